package commands

import (
	"fmt"
	"os"

	mcpserverlib "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/httpapi"
	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/mcpserver"
	"github.com/forgecode/forge/internal/project"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/internal/tool"
)

var (
	serverSSE     bool
	serverAddr    string
	serverHTTPAPI string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Expose the tool registry over the Model Context Protocol",
	Long: `Runs forge as an MCP server. By default it speaks MCP over stdio;
--sse serves the HTTP/SSE transport on --addr instead. --http-api
additionally serves the session inspection API on the given address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}

		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return &configError{fmt.Errorf("preparing state directories: %w", err)}
		}
		store := storage.New(paths.StoragePath())
		registry := tool.DefaultRegistry(workDir, store)
		projects := project.NewService(workDir)

		srv := mcpserver.New(workDir, registry, projects, "forge", Version)

		if serverHTTPAPI != "" {
			api := httpapi.New(httpapi.Config{Addr: serverHTTPAPI}, store)
			go func() {
				if err := api.ListenAndServe(cmd.Context()); err != nil {
					logging.Warn().Err(err).Msg("http api stopped")
				}
			}()
		}

		if serverSSE {
			logging.Info().Str("addr", serverAddr).Msg("serving MCP over SSE")
			sse := mcpserverlib.NewSSEServer(srv.MCPServer(), mcpserverlib.WithBaseURL("http://"+serverAddr))
			return sse.Start(serverAddr)
		}

		logging.Info().Msg("serving MCP over stdio")
		return mcpserverlib.ServeStdio(srv.MCPServer())
	},
}

func init() {
	serverCmd.Flags().BoolVar(&serverSSE, "sse", false, "Serve MCP over HTTP/SSE instead of stdio")
	serverCmd.Flags().StringVar(&serverAddr, "addr", "localhost:8700", "Listen address for --sse")
	serverCmd.Flags().StringVar(&serverHTTPAPI, "http-api", "", "Also serve the session inspection API on this address")
}
