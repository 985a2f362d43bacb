// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"querygate/server/internal/rpc"
	"querygate/server/internal/xdg"
)

var shellOpts clientOptions

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive query shell against a querygate server",
	Long: `The shell command opens a line editor connected to a running 'querygate serve'.
A statement ends with ";" and may span lines. Backslash commands:

  \write on|off   run following statements read-write or read-only
  \schema NAME    set the PostgreSQL search_path (empty to reset)
  \raw on|off     print raw JSON instead of tables
  \q              quit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := defaultAddr(&shellOpts); err != nil {
			return err
		}
		client, err := rpc.Dial(shellOpts.addr, shellOpts.useTLS)
		if err != nil {
			return err
		}
		defer client.Close()

		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)

		histPath := historyPath()
		if histPath != "" {
			if f, err := os.Open(histPath); err == nil {
				line.ReadHistory(f)
				f.Close()
			}
			defer func() {
				if f, err := os.OpenFile(histPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
					line.WriteHistory(f)
					f.Close()
				}
			}()
		}

		pterm.Printf("Connected to %s. End statements with ';', \\q to quit.\n", shellOpts.addr)
		sh := &shellState{opts: shellOpts}
		for {
			prompt := "querygate> "
			if sh.buf.Len() > 0 {
				prompt = "      ...> "
			}
			input, err := line.Prompt(prompt)
			if errors.Is(err, liner.ErrPromptAborted) {
				sh.buf.Reset()
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			if err != nil {
				return err
			}

			stmt, quit := sh.feed(input)
			if quit {
				return nil
			}
			if stmt == "" {
				continue
			}
			line.AppendHistory(stmt)

			doc, err := buildDocument(stmt, nil, sh.opts.schema, sh.opts.write)
			if err != nil {
				pterm.Error.Println(err)
				continue
			}
			// runQuery already printed the failure
			_ = runQuery(cmd.Context(), client, doc, sh.opts, os.Stdout)
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
	addClientFlags(shellCmd, &shellOpts)
}

func historyPath() string {
	dir, err := xdg.StateDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "history")
}

// shellState accumulates input lines into statements and applies
// backslash commands.
type shellState struct {
	opts clientOptions
	buf  strings.Builder
}

// feed consumes one input line. It returns a complete statement (without
// the trailing ";") once one is available, and quit when the user asked to
// leave.
func (s *shellState) feed(input string) (stmt string, quit bool) {
	trimmed := strings.TrimSpace(input)
	if s.buf.Len() == 0 && strings.HasPrefix(trimmed, `\`) {
		return "", s.command(trimmed)
	}
	if trimmed == "" {
		return "", false
	}

	if s.buf.Len() > 0 {
		s.buf.WriteString("\n")
	}
	s.buf.WriteString(input)
	if !strings.HasSuffix(trimmed, ";") {
		return "", false
	}

	stmt = strings.TrimSpace(s.buf.String())
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	s.buf.Reset()
	return stmt, false
}

func (s *shellState) command(line string) (quit bool) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case `\q`, `\quit`:
		return true
	case `\write`:
		s.opts.write = arg == "on"
		pterm.Info.Printf("write mode %s\n", onOff(s.opts.write))
	case `\raw`:
		s.opts.raw = arg == "on"
		pterm.Info.Printf("raw output %s\n", onOff(s.opts.raw))
	case `\schema`:
		s.opts.schema = arg
		if arg == "" {
			pterm.Info.Println("schema reset")
		} else {
			pterm.Info.Printf("schema %s\n", arg)
		}
	default:
		pterm.Warning.Printf("unknown command %s\n", fields[0])
	}
	return false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
