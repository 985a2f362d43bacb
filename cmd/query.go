// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"querygate/server/internal/codec"
	"querygate/server/internal/logging"
	"querygate/server/internal/rpc"
	"querygate/server/internal/sqlexec"
)

// clientOptions are shared by query and shell.
type clientOptions struct {
	addr    string
	useTLS  bool
	format  string
	timeout time.Duration
	schema  string
	write   bool
	raw     bool
	out     string
}

var (
	queryOpts clientOptions
	queryVars []string
)

var queryCmd = &cobra.Command{
	Use:   "query [SQL]",
	Short: "Run one query through a querygate server",
	Long: `The query command sends one query document to a running 'querygate serve' over
gRPC and prints the result as a table. Pass "-" to read the SQL from stdin.

Examples:
  querygate query 'SELECT id, name FROM users WHERE id = $1' --var 42
  querygate query --write 'DELETE FROM sessions WHERE expires_at < now()'
  querygate query --format arrow --out users.arrow 'SELECT * FROM users'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := defaultAddr(&queryOpts); err != nil {
			return err
		}
		text := strings.Join(args, " ")
		if text == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			text = string(b)
		}
		doc, err := buildDocument(text, queryVars, queryOpts.schema, queryOpts.write)
		if err != nil {
			return err
		}

		client, err := rpc.Dial(queryOpts.addr, queryOpts.useTLS)
		if err != nil {
			return err
		}
		defer client.Close()

		return runQuery(cmd.Context(), client, doc, queryOpts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	addClientFlags(queryCmd, &queryOpts)
	queryCmd.Flags().StringArrayVar(&queryVars, "var", nil, "Positional variable ($1, $2, ...); JSON values are decoded, anything else is a string")
	queryCmd.Flags().BoolVar(&queryOpts.write, "write", false, "Run in a read-write transaction")
	queryCmd.Flags().StringVar(&queryOpts.schema, "schema", "", "PostgreSQL schema to use as search_path")
	queryCmd.Flags().StringVarP(&queryOpts.out, "out", "o", "", "Write the raw result to this file")
}

func addClientFlags(cmd *cobra.Command, o *clientOptions) {
	cmd.Flags().StringVar(&o.addr, "addr", "", "Server gRPC address (default from config)")
	cmd.Flags().BoolVar(&o.useTLS, "tls", false, "Use TLS")
	cmd.Flags().StringVar(&o.format, "format", codec.FormatJSON, "Result format: json or arrow")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Deadline for the query to start")
	cmd.Flags().BoolVar(&o.raw, "raw", false, "Print the result payload instead of a table")
}

func defaultAddr(o *clientOptions) error {
	if o.addr != "" {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.GRPCAddr == "" {
		return fmt.Errorf("gRPC is disabled in the config; pass --addr")
	}
	o.addr = cfg.GRPCAddr
	return nil
}

// buildDocument assembles a query document. Each variable is decoded as
// JSON when it parses and passed as a string otherwise.
func buildDocument(text string, vars []string, schema string, write bool) ([]byte, error) {
	d := sqlexec.Document{Query: strings.TrimSpace(text), Schema: schema, Write: write}
	for _, v := range vars {
		d.Variables = append(d.Variables, parseVar(v))
	}
	return d.Encode()
}

func parseVar(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func runQuery(ctx context.Context, client *rpc.Client, doc []byte, o clientOptions, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout+time.Minute)
	defer cancel()

	stop := func() {}
	if !o.raw && o.out == "" {
		stop = startInlineSpinner(os.Stderr, "running query", spinnerFrames, 100*time.Millisecond)
	}
	start := time.Now()
	reply, err := client.Execute(ctx, doc, rpc.CallOptions{Format: o.format, Timeout: o.timeout})
	elapsed := time.Since(start)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, logging.FormatRPCError(o.addr, err))
		return err
	}

	if o.out != "" {
		if err := os.WriteFile(o.out, reply.Payload, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %d bytes to %s\n", len(reply.Payload), o.out)
		return nil
	}
	if o.raw || o.format == codec.FormatArrow {
		_, err := w.Write(reply.Payload)
		return err
	}

	out, err := renderResult(reply.Payload)
	if err != nil {
		return err
	}
	fmt.Fprint(w, out)
	fmt.Fprintln(w, pterm.Gray(fmt.Sprintf("(%s, request %s)", elapsed.Round(time.Millisecond), reply.RequestID)))
	return nil
}

// wireResult mirrors the JSON result shape.
type wireResult struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
	Truncated    bool     `json:"truncated"`
}

// renderResult formats a JSON result as a table.
func renderResult(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var r wireResult
	if err := dec.Decode(&r); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}

	var b strings.Builder
	if len(r.Columns) > 0 {
		data := pterm.TableData{r.Columns}
		for _, row := range r.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = cellText(v)
			}
			data = append(data, cells)
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return "", err
		}
		b.WriteString(table)
		b.WriteString("\n")
		fmt.Fprintf(&b, "%d row(s)\n", len(r.Rows))
	} else {
		fmt.Fprintf(&b, "%d row(s) affected\n", r.RowsAffected)
	}
	if r.Truncated {
		b.WriteString(pterm.Yellow("result truncated by the server row limit") + "\n")
	}
	return b.String(), nil
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool, float64:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
