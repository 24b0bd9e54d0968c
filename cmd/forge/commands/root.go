// Package commands provides the CLI commands for forge.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/logging"
)

// Exit codes: 0 success, 1 unrecoverable runtime error, 2 invalid
// arguments, 3 missing or invalid configuration.
const (
	ExitOK            = 0
	ExitRuntimeError  = 1
	ExitInvalidArgs   = 2
	ExitBadConfig     = 3
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	flagTask          string
	flagUI            bool
	flagModel         string
	flagListModels    bool
	flagListProviders bool
	flagContinue      bool
	flagChatID        string
	flagListChats     bool
	flagDeleteChat    string
	flagToolSyntax    string
	flagRecord        string
	flagPlayback      string
	flagFastPlayback  bool
	flagUseDiffFormat bool
	flagVerbose       int

	printLogs  bool
	logLevel   string
	logFile    bool
	showConfig bool
)

// configError wraps startup configuration failures so Execute can map
// them to exit code 3 with the offending file in the message.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// usageError maps to exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - autonomous coding agent",
	Long: `forge drives an LLM through tool calls against a working directory,
exposing the same agent loop over an MCP server and an ACP server.

Run 'forge --task "..."' for a one-shot run, 'forge --ui' for an
interactive terminal, 'forge server' to expose the tool registry over
MCP, or 'forge acp' to speak the Agent Client Protocol over stdio.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}

		if flagVerbose > 0 {
			logCfg.Level = logging.DebugLevel
			logCfg.Pretty = true
		} else if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}

		logging.Init(logCfg)

		if logFile {
			logging.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("forge started with file logging")
		}

		if showConfig {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return &configError{fmt.Errorf("loading config: %w", err)}
			}

			jsonData, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(jsonData))
			os.Exit(ExitOK)
		}
		return nil
	},
	RunE: runRoot,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	pf.StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	pf.BoolVar(&logFile, "log-file", false, "Write logs to /tmp/forge-YYYYMMDD-HHMMSS.log")
	pf.BoolVar(&showConfig, "show-config", false, "Print merged configuration as JSON and exit")
	pf.CountVarP(&flagVerbose, "verbose", "v", "Increase output verbosity (repeatable)")

	f := rootCmd.Flags()
	f.StringVar(&flagTask, "task", "", "Start a new session with this initial user message")
	f.BoolVar(&flagUI, "ui", false, "Launch the interactive terminal UI")
	f.StringVarP(&flagModel, "model", "m", "", "Model display name from models.json (or provider/model)")
	f.BoolVar(&flagListModels, "list-models", false, "List configured models and exit")
	f.BoolVar(&flagListProviders, "list-providers", false, "List configured providers and exit")
	f.BoolVarP(&flagContinue, "continue", "c", false, "Continue the most recent session")
	f.StringVar(&flagChatID, "chat-id", "", "Continue the session with this id")
	f.BoolVar(&flagListChats, "list-chats", false, "List stored sessions and exit")
	f.StringVar(&flagDeleteChat, "delete-chat", "", "Delete the session with this id and exit")
	f.StringVar(&flagToolSyntax, "tool-syntax", "native", "Tool invocation encoding: native, xml, or caret")
	f.StringVar(&flagRecord, "record", "", "Record provider streams to this file")
	f.StringVar(&flagPlayback, "playback", "", "Replay provider streams from this recording")
	f.BoolVar(&flagFastPlayback, "fast-playback", false, "Replay without recorded delays")
	f.BoolVar(&flagUseDiffFormat, "use-diff-format", false, "Render file edits as unified diffs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("forge %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(acpCmd)
}

// Execute runs the root command and maps error classes onto the
// documented exit codes.
func Execute() (int, error) {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK, nil
	}

	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return ExitBadConfig, err
	}
	var useErr *usageError
	if errors.As(err, &useErr) {
		return ExitInvalidArgs, err
	}
	// Cobra's own flag parse errors are usage errors too.
	if isFlagParseError(err) {
		return ExitInvalidArgs, err
	}
	return ExitRuntimeError, err
}

func isFlagParseError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown flag", "unknown command", "invalid argument", "flag needs an argument", "unknown shorthand flag"} {
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
