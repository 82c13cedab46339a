package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/nlockd/internal/logger"
	"github.com/marmos91/nlockd/pkg/config"
	"github.com/marmos91/nlockd/pkg/flock"
	"github.com/marmos91/nlockd/pkg/nlm"
	"github.com/marmos91/nlockd/pkg/nsm"
	"github.com/marmos91/nlockd/pkg/vfs"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lock manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

func runStart(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	nodeName := cfg.NodeName
	if nodeName == "" {
		nodeName, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve node name: %w", err)
		}
	}

	// Locate the local statd; without it crash recovery cannot work,
	// so a discovery failure is fatal.
	sm, err := nsm.Dial(ctx, nsm.ClientConfig{
		Host:        cfg.StatusMonitor.Host,
		BindRetries: cfg.StatusMonitor.BindRetries,
		BindBackoff: cfg.StatusMonitor.BindBackoff,
		CallTimeout: cfg.StatusMonitor.CallTimeout,
	}, nsm.MyID{
		MyName: nodeName,
		MyProg: nlm.Program,
		MyVers: nlm.SMVersion,
		MyProc: nlm.ProcSMNotify1,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	files := vfs.NewRegistry()
	engine := nlm.New(cfg, flock.NewManager(), files, sm, nlm.WithRegisterer(reg))
	if err := engine.Start(ctx); err != nil {
		return err
	}

	// The transport layer dispatches decoded requests into the
	// handler set.
	_ = nlm.NewService(engine)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return engine.Shutdown(shutdownCtx)
}
