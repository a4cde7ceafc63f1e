package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/arbiter"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of arbiter",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "arbiter version %s\n", strings.TrimSpace(arbiter.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
