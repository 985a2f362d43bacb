// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"querygate/server/internal/dsn"
	"querygate/server/internal/logging"
)

// dbinfoCmd shows which database 'querygate serve' would use, with the
// password masked.
var dbinfoCmd = &cobra.Command{
	Use:   "dbinfo",
	Short: "Show current database connection string",
	Long: `The dbinfo command displays the database connection string (DSN) that
'querygate serve' would use and where it came from, with credentials masked.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		raw, source, err := resolveDSN("", cfg, osKeychain)
		if errors.Is(err, errNoDSN) {
			pterm.Println("⚠️  No database connection configured")
			pterm.Println("   Please run: querygate connect")
			return nil
		}
		if err != nil {
			return err
		}

		pterm.Printf("Using DSN from %s\n\n", source)

		body := logging.Mask(raw)
		if info, err := dsn.ParseInfo(raw); err == nil {
			rows := pterm.TableData{{"Type", string(info.Type)}}
			if info.Host != "" {
				rows = append(rows, []string{"Host", info.Host}, []string{"Port", info.Port})
			}
			rows = append(rows, []string{"Database", info.Database})
			table, _ := pterm.DefaultTable.WithData(rows).Srender()
			body += "\n\n" + table
		}

		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Database Connection")).
			WithPadding(1).
			Println(body)
		pterm.Println()
		pterm.Println("To update this connection, run: querygate connect")
		pterm.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbinfoCmd)
}
