package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevir/officepool/internal/config"
	"github.com/sevir/officepool/internal/server"
	"github.com/sevir/officepool/internal/store"
	"github.com/sevir/officepool/pkg/officepool"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	host    string
	port    int
	journal string
	logDir  string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pool and the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags.apply(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Status API host (default: 127.0.0.1)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Status API port (default: 8766)")
	cmd.Flags().StringVar(&flags.journal, "journal", "", "Path to the event journal file")
	cmd.Flags().StringVar(&flags.logDir, "log-dir", "", "Directory for per-slot engine output")

	return cmd
}

func (f serveFlags) apply(cfg *config.Config) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.journal != "" {
		cfg.JournalPath = f.journal
	}
	if f.logDir != "" {
		cfg.LogDir = f.logDir
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return err
	}

	journal, err := store.NewFileStore(cfg.JournalPath, store.DefaultMaxEvents)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Printf("Journal close error: %v", err)
		}
	}()

	p, err := officepool.New(poolCfg, officepool.WithEventSink(journal.Record))
	if err != nil {
		return err
	}

	log.Printf("officepool %s starting (%d engines, %s)", version, len(poolCfg.Endpoints), poolCfg.Executable)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	srv := server.New(server.Config{
		Addr:    cfg.Address(),
		Pool:    p,
		Events:  journal,
		LogDir:  cfg.LogDir,
		Version: version,
		Commit:  commit,
	})

	log.Printf("Status API:   http://%s/api/slots", cfg.Address())
	log.Printf("Health check: http://%s/health", cfg.Address())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case runErr = <-serveErr:
		log.Printf("Server error: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := p.Stop(shutdownCtx); err != nil {
		log.Printf("Pool shutdown error: %v", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
