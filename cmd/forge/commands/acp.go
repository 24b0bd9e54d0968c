package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/acp"
	"github.com/forgecode/forge/internal/logging"
)

var acpCmd = &cobra.Command{
	Use:   "acp",
	Short: "Speak the Agent Client Protocol over stdio",
	Long: `Runs forge as an ACP agent: JSON-RPC 2.0 over stdin/stdout, with
session/new, session/load, session/prompt, and session/cancel mapped
onto the session manager. Editors embed this as a subprocess.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cmd.Context(), workDir)
		if err != nil {
			return err
		}

		logging.Info().Str("workDir", workDir).Msg("serving ACP on stdio")
		server := acp.New(rt.manager, os.Stdin, os.Stdout)
		return server.Run(cmd.Context())
	},
}
