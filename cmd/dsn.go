package cmd

import (
	"errors"
	"strings"

	"querygate/server/internal/config"
	"querygate/server/internal/keychain"
)

// DSN sources, in the order they are consulted.
const (
	sourceFlag     = "--dsn flag"
	sourceConfig   = "environment or config file"
	sourceKeychain = "OS keychain"
)

var errNoDSN = errors.New("no database configured: pass --dsn, set QUERYGATE_DSN or DATABASE_URL, or run 'querygate connect'")

// dsnLoader reads a stored DSN. *keychain.Manager satisfies it.
type dsnLoader interface {
	LoadDSN() (string, error)
}

// resolveDSN picks the DSN from the flag, then the config (which already
// holds QUERYGATE_DSN or DATABASE_URL), then the keychain.
func resolveDSN(flagDSN string, cfg config.Config, ring func() (dsnLoader, error)) (string, string, error) {
	if v := strings.TrimSpace(flagDSN); v != "" {
		return v, sourceFlag, nil
	}
	if v := strings.TrimSpace(cfg.DB.DSN); v != "" {
		return v, sourceConfig, nil
	}

	km, err := ring()
	if err != nil {
		return "", "", errNoDSN
	}
	v, err := km.LoadDSN()
	if errors.Is(err, keychain.ErrNotFound) || (err == nil && strings.TrimSpace(v) == "") {
		return "", "", errNoDSN
	}
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(v), sourceKeychain, nil
}

func osKeychain() (dsnLoader, error) {
	km, err := keychain.GetManager()
	if err != nil {
		return nil, err
	}
	return km, nil
}
