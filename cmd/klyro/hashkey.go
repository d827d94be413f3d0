package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/klyro-app/klyro-sync/internal/auth"
	"github.com/spf13/cobra"
)

func newHashKeyCmd() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "hash-key <name>",
		Short: "Create an API key for the MCP endpoint",
		Long: `Create an API key for the MCP endpoint and print the KLYRO_API_KEYS
entry for it. The key itself is printed once to stderr.

With --stdin an existing key is read from stdin and hashed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if strings.ContainsAny(name, ":,") {
				return fmt.Errorf("key name must not contain ':' or ','")
			}

			var key, hash string

			if fromStdin {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return fmt.Errorf("no input")
				}

				key = strings.TrimSpace(scanner.Text())

				h, err := auth.HashKey(key)
				if err != nil {
					return err
				}

				hash = h
			} else {
				k, h, err := auth.GenerateKey()
				if err != nil {
					return err
				}

				key, hash = k, h
				fmt.Fprintf(cmd.ErrOrStderr(), "API key: %s\n", key)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", name, hash)

			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "hash a key read from stdin")

	return cmd
}
