package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/api"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
	"github.com/gonkalabs/gonka-anonymizer/internal/config"
	"github.com/gonkalabs/gonka-anonymizer/internal/mcp"
)

var (
	serveAddr string
	serveMCP  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Serve POST /api/anonymize, POST /api/deanonymize,
POST /api/deanonymize/stream and GET /health.

With --remote the service forwards every call to another anonymizer
instead of detecting locally. --mcp additionally mounts the MCP
streamable HTTP endpoint at /mcp.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :$PORT)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP over HTTP at /mcp")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := loadedConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		c.ListenAddr = serveAddr
	}

	svc, err := buildService(c)
	if err != nil {
		return err
	}

	var rec audit.Recorder
	if c.AuditDB != "" {
		store, err := audit.Open(c.AuditDB)
		if err != nil {
			return err
		}
		defer store.Close()
		rec = store
		slog.Info("audit log enabled", "path", store.Path())
	}

	handler, err := newHTTPHandler(c, svc, rec, serveMCP)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         c.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("starting anonymizer server",
		"addr", c.ListenAddr,
		"remote", c.RemoteURL,
		"auth", len(c.AuthAddresses) > 0,
		"audit", rec != nil,
		"mcp", serveMCP,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// newHTTPHandler mounts the API routes behind the middleware stack.
func newHTTPHandler(c *config.Cfg, svc anon.Service, rec audit.Recorder, withMCP bool) (http.Handler, error) {
	opts := []api.Option{api.WithMaxBodyBytes(c.MaxBodyBytes)}
	if rec != nil {
		opts = append(opts, api.WithRecorder(rec))
	}

	mux := http.NewServeMux()
	api.New(svc, opts...).Register(mux)

	if withMCP {
		mcpServer, err := mcp.NewServer(&mcp.Ports{Service: svc, Audit: rec}, version)
		if err != nil {
			return nil, err
		}
		mux.Handle("/mcp", mcpServer.Handler())
	}

	return api.Chain(mux,
		api.RequestID(),
		api.Logging(),
		api.CORS(c.CORSOrigins),
		api.Auth(c.AuthAddresses, c.MaxBodyBytes),
	), nil
}
