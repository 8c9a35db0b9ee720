package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCompileCmd(a *app) *cobra.Command {
	var out string
	var digestOnly bool
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Merge the configured fragments and print the canonical database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := a.db.Digest()
			if err != nil {
				return err
			}
			if digestOnly {
				fmt.Fprintln(cmd.OutOrStdout(), digest)
				return nil
			}
			b, err := a.db.MarshalJSON()
			if err != nil {
				return err
			}
			b = append(b, '\n')
			if out == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return err
			}
			a.log.Info("database compiled", zap.String("out", out), zap.Int("messages", a.db.Len()))
			fmt.Fprintf(cmd.OutOrStdout(), "%d messages from %d fragments, digest %s\n",
				a.db.Len(), len(a.db.Sources()), digest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the canonical JSON here instead of stdout")
	cmd.Flags().BoolVar(&digestOnly, "digest", false, "print only the SHA-256 digest")
	return cmd
}
