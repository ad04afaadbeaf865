package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/config"
	"github.com/chatsync/chatsync/internal/console"
	"github.com/chatsync/chatsync/internal/coordinator"
	"github.com/chatsync/chatsync/internal/directory"
	"github.com/chatsync/chatsync/internal/logging"
	"github.com/chatsync/chatsync/internal/ratelimit"
	"github.com/chatsync/chatsync/internal/relay"
	"github.com/chatsync/chatsync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Aggregate chat backends in one console",
	Long:  "Connects Slack, Discord and peer relay sessions and keeps their state in sync.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured backends and start the console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := logging.NewLogger(cfg.Log.GetLevel(), cfg.Log.GetFormat())
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer log.Sync() //nolint:errcheck

		db, err := store.Open(cfg.Store.GetPath(), cfg.Store.GetMaxUsers(), log)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		if err := seedTokens(db, cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutting down")
			cancel()
		}()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if addr := cfg.Metrics.Address; addr != "" {
			stop := serveMetrics(addr, reg, log)
			defer stop()
		}

		dir := directory.New(directory.Options{
			Factory: newFactory(cfg, relay.NewMetrics(reg), log),
			Store:   db,
			Tokens:  db,
			Log:     log,
			Metrics: coordinator.NewMetrics(reg),
			Limiter: ratelimit.NewLimiter(ratelimit.Config{
				Rate:  cfg.Defaults.GetLookupRate(),
				Burst: cfg.Defaults.GetLookupBurst(),
			}),
			StaleAfter:        cfg.Defaults.GetStaleAfterDuration(),
			UnreadConcurrency: cfg.Defaults.GetUnreadConcurrency(),
		})
		defer dir.Stop()

		log.Info("starting chatsync", zap.String("config", cfgFile))
		if err := dir.Start(ctx, cfg.Providers.Relay.Enabled); err != nil {
			log.Warn("some backends failed to start", zap.Error(err))
		}

		err = console.New(dir, os.Stdin, os.Stdout, log).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage stored backend credentials",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <provider> <token>",
	Short: "Store a backend token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := chat.Provider(args[0])
		if !p.Valid() || p == chat.ProviderRelay {
			return fmt.Errorf("unknown provider %q", args[0])
		}
		teamFlag, _ := cmd.Flags().GetString("team")

		return withStore(func(db *store.Pebble) error {
			key := store.TokenKey(p, teamFlag)
			if err := db.Set(key, args[1]); err != nil {
				return err
			}
			fmt.Printf("Stored token %q\n", key)
			return nil
		})
	},
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove a backend token and its cached state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := chat.Provider(args[0])
		if !p.Valid() {
			return fmt.Errorf("unknown provider %q", args[0])
		}
		teamFlag, _ := cmd.Flags().GetString("team")

		return withStore(func(db *store.Pebble) error {
			for _, key := range []string{store.TokenKey(p, teamFlag), store.TokenKey(p, "")} {
				if err := db.Delete(key); err != nil {
					return err
				}
			}
			if err := db.Clear(p); err != nil {
				return err
			}
			fmt.Printf("Removed %s credentials\n", p)
			return nil
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Configure the peer relay backend",
}

var relaySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Enable the relay backend in the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		roleFlag, _ := cmd.Flags().GetString("role")
		listenFlag, _ := cmd.Flags().GetString("listen")
		pathFlag, _ := cmd.Flags().GetString("path")
		urlFlag, _ := cmd.Flags().GetString("url")
		userIDFlag, _ := cmd.Flags().GetString("user-id")
		userNameFlag, _ := cmd.Flags().GetString("user-name")

		rc := config.RelayConfig{
			Enabled:  true,
			Role:     roleFlag,
			Listen:   listenFlag,
			Path:     pathFlag,
			URL:      urlFlag,
			UserID:   userIDFlag,
			UserName: userNameFlag,
		}
		if err := config.SetRelay(cfgFile, rc); err != nil {
			return err
		}

		fmt.Printf("Enabled relay as %s in %s\n", rc.GetRole(), cfgFile)
		return nil
	},
}

var relayDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the relay backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DisableRelay(cfgFile); err != nil {
			return err
		}
		fmt.Printf("Disabled relay in %s\n", cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath(), "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(relayCmd)

	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
	tokenSetCmd.Flags().String("team", "", "Team ID for multi-team backends")
	tokenDeleteCmd.Flags().String("team", "", "Team ID for multi-team backends")

	relayCmd.AddCommand(relaySetCmd)
	relayCmd.AddCommand(relayDisableCmd)
	relaySetCmd.Flags().String("role", config.RelayRoleRelay, "Session role (relay, follower)")
	relaySetCmd.Flags().String("listen", "", "Listen address for the relay role")
	relaySetCmd.Flags().String("path", "", "HTTP path followers connect to")
	relaySetCmd.Flags().String("url", "", "Relay URL for the follower role (ws:// or wss://)")
	relaySetCmd.Flags().String("user-id", "", "Session identity (defaults to the host name)")
	relaySetCmd.Flags().String("user-name", "", "Display name in the session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withStore opens the configured store for a one-shot command. Without a
// config file the default store location is used.
func withStore(fn func(db *store.Pebble) error) error {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = &config.Config{}, nil
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Store.GetPath(), cfg.Store.GetMaxUsers(), zap.NewNop())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(db)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}
}
