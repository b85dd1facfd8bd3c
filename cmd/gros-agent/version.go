package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{
				"version": version.Version,
				"build":   version.Build,
			})
			return
		}
		fmt.Printf("gros-agent version %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
