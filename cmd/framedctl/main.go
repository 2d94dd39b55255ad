package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/danmuck/framed/internal/client"
	"github.com/danmuck/framed/internal/logging"
	"github.com/danmuck/framed/internal/observability"
	"github.com/danmuck/framed/internal/server"
	"github.com/danmuck/framed/internal/sink"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	configPath string
	logLevel   string
	cfg        appConfig
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "framedctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "framedctl",
		Short: "Length-framed binary TCP server and client",
		Long: `framedctl runs a single-threaded multiplexed server for the framed
binary protocol, or a client that streams Binary frames to one.

Examples:
  framedctl serve --config ex.config.toml
  framedctl send --addr 127.0.0.1:6969 --count 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")

	root.AddCommand(
		c.serveCmd(),
		c.sendCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		lvl, ok := logging.ParseLevel(c.logLevel)
		if !ok {
			return fmt.Errorf("unknown log level %q", c.logLevel)
		}
		cfg.Log.Level = lvl
	}
	logging.ConfigureWith(cfg.Log)
	c.cfg = cfg
	return nil
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		listen      string
		maxClients  int
		adminAddr   string
		natsURL     string
		natsSubject string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the multiplexed frame server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = listen
			}
			if cmd.Flags().Changed("max-clients") {
				cfg.Server.MaxClients = maxClients
				cfg.Server.EventBatch = maxClients + 2
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = adminAddr
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if cmd.Flags().Changed("nats-subject") {
				cfg.NATS.Subject = natsSubject
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", server.DefaultListenAddr, "Address to listen on")
	cmd.Flags().IntVarP(&maxClients, "max-clients", "m", server.DefaultMaxClients, "Connection table capacity")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Admin HTTP address for /metrics and /healthz (disabled when empty)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "Republish Binary payloads to this NATS server")
	cmd.Flags().StringVar(&natsSubject, "nats-subject", "", "NATS subject for republished payloads")

	return cmd
}

func runServe(ctx context.Context, cfg appConfig) error {
	consumers := sink.Multi{sink.Log{}}
	if cfg.NATS.URL != "" {
		n, err := sink.DialNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Close(); err != nil {
				log.Warn().Err(err).Msg("nats.close")
			}
		}()
		consumers = append(consumers, n)
		log.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("nats.connected")
	}

	srv, err := server.New(cfg.Server, server.WithConsumer(consumers))
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.AdminAddr != "" {
		ln, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("admin listen %s: %w", cfg.AdminAddr, err)
		}
		go func() {
			if err := observability.ServeAdmin(ctx, ln, srv); err != nil {
				log.Error().Err(err).Msg("admin.serve failed")
			}
		}()
	}

	return srv.Run(ctx)
}

func (c *cli) sendCmd() *cobra.Command {
	var (
		addr     string
		count    int
		interval time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect, stream Binary frames, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg.Client
			if cmd.Flags().Changed("addr") {
				cfg.Address = addr
			}
			if cmd.Flags().Changed("count") {
				cfg.Count = count
			}
			if cmd.Flags().Changed("interval") {
				cfg.Interval = interval
			}
			if cmd.Flags().Changed("attempts") {
				cfg.DialAttempts = attempts
			}
			if cfg.Count < 0 {
				return fmt.Errorf("count must not be negative, got %d", cfg.Count)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", client.DefaultAddress, "Server address")
	cmd.Flags().IntVarP(&count, "count", "n", 50, "Binary frames to send")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between frames")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "Dial attempts with backoff")

	return cmd
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "framedctl %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", date)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
