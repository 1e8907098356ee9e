package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ppiankov/approvalgate/internal/config"
	"github.com/ppiankov/approvalgate/internal/decision"
	"github.com/ppiankov/approvalgate/internal/stack"
	"github.com/ppiankov/approvalgate/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision engine and approval resource",
	Long: "Serves the local decision engine over HTTP (and gRPC when server.grpc_addr\n" +
		"is set) so remote agents can evaluate calls and poll approvals. Approvers\n" +
		"decide through POST /v1/approvals/{id}/decision. When server.webhook_addr is\n" +
		"set, signed decision events resolve tickets in the configured store.\n" +
		"Engine rules and breaker thresholds hot-reload from the config file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Decision.Transport != "local" {
		return fmt.Errorf("serve requires decision.transport local, got %q", cfg.Decision.Transport)
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://" + cfg.Server.HTTPAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := st.Logger

	p := pool.New().WithContext(ctx).WithCancelOnError()

	api := decision.NewHandler(st.Evaluator, st.Approvals, cfg.Decision.APIKey, logger)
	p.Go(func(ctx context.Context) error {
		return serveHTTP(ctx, cfg.Server.HTTPAddr, api, logger.With(zap.String("listener", "api")))
	})

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		gs := grpc.NewServer()
		decision.RegisterGRPC(gs, st.Evaluator)
		p.Go(func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				gs.GracefulStop()
			}()
			logger.Info("grpc decision engine listening", zap.String("addr", cfg.Server.GRPCAddr))
			return gs.Serve(lis)
		})
	}

	if cfg.Server.WebhookAddr != "" {
		rc := webhook.NewReceiver(st.Store, cfg.Webhook.Secret, st.Gateway.Resolved, logger)
		p.Go(func(ctx context.Context) error {
			return serveHTTP(ctx, cfg.Server.WebhookAddr, rc, logger.With(zap.String("listener", "webhook")))
		})
	}

	if w, err := config.NewWatcher(configPath, reloader(st), logger); err != nil {
		logger.Warn("hot-reload disabled", zap.Error(err))
	} else {
		p.Go(w.Run)
	}

	return p.Wait()
}

// reloader applies a reloaded config to the running stack.
func reloader(st *stack.Stack) func(config.Config) {
	return func(cfg config.Config) {
		if err := st.Apply(cfg); err != nil {
			st.Logger.Error("reload rejected, keeping previous rules", zap.Error(err))
		}
	}
}

// serveHTTP runs an HTTP server until ctx ends, then shuts it down.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
