package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/api"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
	"github.com/gonkalabs/gonka-anonymizer/internal/config"
	"github.com/gonkalabs/gonka-anonymizer/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  `Commands for the Model Context Protocol (MCP) server integration.`,
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the Model Context Protocol server exposing the anonymize and
deanonymize tools to AI assistants.

By default, the server communicates over stdio using JSON-RPC. Use --port to
start an HTTP server instead. The HTTP endpoint checks request signatures
against AUTH_ADDRESSES the same way "serve" does.

Examples:
  # Stdio mode (default)
  anonymizer mcp serve

  # HTTP mode, forwarding to a running service
  anonymizer --remote http://localhost:8000 mcp serve --port 8090`,
	RunE: runMCPServe,
}

func init() {
	mcpServeCmd.Flags().IntP("port", "p", 0, "HTTP port (0 = use stdio)")
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}

func runMCPServe(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return fmt.Errorf("getting port flag: %w", err)
	}
	c, err := loadedConfig()
	if err != nil {
		return err
	}

	svc, err := buildService(c)
	if err != nil {
		return err
	}
	ports := &mcp.Ports{Service: svc}
	if c.AuditDB != "" {
		store, err := audit.Open(c.AuditDB)
		if err != nil {
			return err
		}
		defer store.Close()
		ports.Audit = store
	}

	server, err := mcp.NewServer(ports, version)
	if err != nil {
		return err
	}

	if port > 0 {
		addr := fmt.Sprintf(":%d", port)
		fmt.Fprintf(cmd.ErrOrStderr(), "MCP server listening on http://localhost%s\n", addr)
		return server.RunHTTP(cmd.Context(), addr, mcpHTTPHandler(c, server))
	}

	return server.Run(cmd.Context())
}

// mcpHTTPHandler puts the standalone MCP endpoint behind the same request
// id, logging and auth middleware as the API server.
func mcpHTTPHandler(c *config.Cfg, server *mcp.Server) http.Handler {
	return api.Chain(server.Handler(),
		api.RequestID(),
		api.Logging(),
		api.Auth(c.AuthAddresses, c.MaxBodyBytes),
	)
}
