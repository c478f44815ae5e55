package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper"
	"pkt.systems/tabkeeper/httpapi"
	"pkt.systems/tabkeeper/internal/appconfig"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var journal bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tabkeeper HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(addr) != "" {
				cfg.HTTP.Addr = addr
			}
			serverCfg := tabkeeper.ServerConfig{
				Service: cfg.ServiceConfig(),
				HTTP:    toHTTPConfig(cfg.HTTP),
			}
			opts := []tabkeeper.ServerOption{tabkeeper.WithHTTP()}
			if journal {
				opts = append(opts, tabkeeper.WithEventJournal())
			}
			server, err := tabkeeper.New(serverCfg, tabkeeper.ServerDeps{Logger: logger}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("storage selected", "backend", serverCfg.Service.Backend, "state_dir", serverCfg.Service.StateDir, "sqlite_path", serverCfg.Service.SQLitePath)
			return runServer(ctx, server, stopTimeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().BoolVar(&journal, "journal", false, "log every tab event")
	return cmd
}

const stopTimeout = 10 * time.Second

// runServer starts server, waits for it and stops it before returning so
// the session snapshot completes before the process exits.
func runServer(ctx context.Context, server tabkeeper.Server, timeout time.Duration) error {
	if err := server.Start(ctx); err != nil {
		return err
	}
	waitErr := server.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		pslog.Ctx(ctx).Warn("server stop failed", "err", err)
	}
	return waitErr
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:       cfg.Addr,
		BasePath:   cfg.BasePath,
		HubHistory: cfg.HubHistory,
	}
}
