// Command node runs a single server of a single master cluster and serves its
// replicated key value map over HTTP.
package main

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

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/Mathew-Estafanous/singlemaster/cluster"
	"github.com/Mathew-Estafanous/singlemaster/httpapi"
	"github.com/Mathew-Estafanous/singlemaster/store"
	"github.com/Mathew-Estafanous/singlemaster/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a single master cluster server",
		Long:  "Run a server of a single master cluster. The configured servers elect a master by priority and replicate a key value map served over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, config)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "node.yaml", "Path of the yaml node file")

	cmd.AddCommand(checkCmd())
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <node-file>",
		Short: "Validate a node file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node file of %v is valid\n", config.Self)
			return nil
		},
	}
}

func newLogger(config LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

type closer interface {
	Close() error
}

func openStore(config StoreConfig) (singlemaster.StoreProvider, closer, error) {
	switch config.Driver {
	case "bolt":
		s, err := store.NewBoltStore(config.Path)
		return s, s, err
	case "badger":
		s, err := store.NewBadgerStore(config.Path)
		return s, s, err
	default:
		return store.NewMemStore(), nil, nil
	}
}

// discover gathers the cluster configuration through gossip.
func discover(ctx context.Context, config *Config, logger *zerolog.Logger) (*cluster.Configuration, *cluster.DynamicConfiguration, error) {
	g := config.Gossip
	dc, err := cluster.NewDynamicConfiguration(g.BindAddr, g.BindPort, config.Self, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start gossip: %w", err)
	}
	dc.SetAvailableFactor(config.Cluster.AvailableFactor)
	for _, addr := range g.Join {
		if err := dc.Join(addr); err != nil {
			logger.Warn().Err(err).Str("member", addr).Msg("Failed to join gossip member")
		}
	}

	wait, _ := parseDuration(g.Wait)
	if wait == 0 {
		wait = 10 * time.Second
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for len(dc.Configuration().Servers) < g.Expect {
		select {
		case <-ticker.C:
		case <-deadline.C:
			logger.Warn().Int("expect", g.Expect).Msg("Not every expected server was discovered")
			return dc.Configuration(), dc, nil
		case <-ctx.Done():
			return nil, dc, ctx.Err()
		}
	}
	return dc.Configuration(), dc, nil
}

func run(ctx context.Context, config *Config) error {
	logger, err := newLogger(config.Log)
	if err != nil {
		return err
	}

	conf := &config.Cluster
	if config.Gossip != nil {
		var dc *cluster.DynamicConfiguration
		conf, dc, err = discover(ctx, config, &logger)
		if dc != nil {
			defer func() {
				if err := dc.Leave(time.Second); err != nil {
					logger.Warn().Err(err).Msg("Failed to leave gossip")
				}
			}()
		}
		if err != nil {
			return err
		}
	}

	provider, c, err := openStore(config.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if c != nil {
		defer c.Close()
	}

	list, err := net.Listen("tcp", config.Self.Addr)
	if err != nil {
		return err
	}
	grpcTransport := transport.NewGRPCTransport(list, nil)

	opts := config.Options()
	opts.Logger = &logger
	sm, err := singlemaster.New(conf, config.Self, grpcTransport, provider, opts)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.New(sm, config.WriteTimeout()).Register(router)
	srv := &http.Server{Addr: config.HTTP, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	if err := sm.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Failed to connect to the cluster")
	}
	<-ctx.Done()

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shut down HTTP server")
	}
	return sm.Disconnect()
}
