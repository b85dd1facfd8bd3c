package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/agentd"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this agent with the controller",
	Long: `Register the agent's public key with the controller and store the
returned secrets bundle. Registration happens implicitly before every
gathering cycle; this command exists to verify connectivity and to
pre-provision an agent before its first scheduled run.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := agentd.New(agentCfg, log.New(io.Discard, "", 0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := d.Register(rootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"agent":      agentCfg.Name,
				"project":    agentCfg.Project,
				"controller": agentCfg.ControllerURL,
			})
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s agent %s registered for project %s with %s\n",
			green("✓"), agentCfg.Name, agentCfg.Project, agentCfg.ControllerURL)
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
