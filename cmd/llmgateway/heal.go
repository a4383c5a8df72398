package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/heal"
)

func newHealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal",
		Short: "Repair malformed JSON read from stdin",
		Long: `Reads a model response from stdin and applies the same response healing
the gateway uses for json_object and json_schema requests. The healed
content goes to stdout and the strategy used to stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			res := heal.Heal(string(in))
			fmt.Fprintln(cmd.OutOrStdout(), res.Content)
			if res.Healed {
				color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "healed: %s\n", res.Strategy)
			} else {
				color.New(color.Faint).Fprintln(cmd.ErrOrStderr(), "unchanged")
			}
			return nil
		},
	}
}
