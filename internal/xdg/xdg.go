// Package xdg provides helpers to resolve XDG Base Directory paths for querygate.
//
// The config directory holds config.json; the state directory holds the
// interactive shell history. Both are created private (0700) on first use.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "querygate"

// ConfigDir returns the XDG config directory for querygate.
// It falls back to ~/.config/querygate when XDG_CONFIG_HOME is unset.
func ConfigDir() (string, error) {
	return ensure("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the XDG state directory for querygate.
// It falls back to ~/.local/state/querygate when XDG_STATE_HOME is unset.
func StateDir() (string, error) {
	return ensure("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

func ensure(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil { // private dir
		return "", err
	}
	return dir, nil
}
