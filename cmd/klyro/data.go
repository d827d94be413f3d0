package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value, preferring the cloud copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				value string
				found bool
			)

			if localOnly {
				value, found, err = a.store.ReadSync(args[0])
			} else {
				a.waitReady(cmd.Context())
				value, found, err = a.store.Read(cmd.Context(), args[0])
			}

			if err != nil {
				return err
			}

			if !found {
				return fmt.Errorf("%s: not found", a.store.Key(args[0]))
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)

			return nil
		},
	}

	cmd.Flags().BoolVar(&localOnly, "local", false, "read the local tier only")

	return cmd
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value|->",
		Short: "Store a value locally and queue it for the cloud",
		Long: `Store a value locally and queue it for the cloud.

A value of "-" reads the value from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := args[1]
			if value == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}

				value = strings.TrimRight(string(data), "\n")
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.waitReady(cmd.Context())

			return a.store.Write(cmd.Context(), args[0], value)
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Delete a value from both tiers",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.waitReady(cmd.Context())

			return a.store.Remove(cmd.Context(), args[0])
		},
	}
}

func newDiffCmd() *cobra.Command {
	var patch bool

	cmd := &cobra.Command{
		Use:   "diff <key>",
		Short: "Compare the local and cloud copies of a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.waitReady(cmd.Context())

			c, err := a.store.Compare(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			switch {
			case c.Equal():
				fmt.Fprintf(out, "%s: in sync\n", c.Key)
			case patch:
				fmt.Fprint(out, c.Patch())
			default:
				fmt.Fprintf(out, "%s: local (found=%t) vs cloud (found=%t)\n", c.Key, c.LocalFound, c.RemoteFound)
				fmt.Fprintln(out, c.Pretty())
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&patch, "patch", false, "print a patch from the local copy to the cloud copy")

	return cmd
}
