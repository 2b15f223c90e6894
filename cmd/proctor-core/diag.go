package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/proctor/internal/diaglog"
)

var exportDiagCmd = &cobra.Command{
	Use:   "export-diag",
	Short: "Bundle the diagnostic log for a support request",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dest, _ := cmd.Flags().GetString("out")

		diaglog.Version = version
		path, n, err := diaglog.Export(cfg.Diag.Path, dest)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w (hint: run with PROCTOR_DIAG=true to enable logging)", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote: %s (%d lines)\n", path, n)
		return nil
	},
}

func init() {
	exportDiagCmd.Flags().StringP("out", "o", ".", "directory for the bundle")
	rootCmd.AddCommand(exportDiagCmd)
}
