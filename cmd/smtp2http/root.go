package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp2http/internal/config"
	"github.com/shineum/smtp2http/internal/eventlog"
	"github.com/shineum/smtp2http/internal/logging"
	"github.com/shineum/smtp2http/internal/metrics"
	"github.com/shineum/smtp2http/internal/provider"
	"github.com/shineum/smtp2http/internal/provider/stdout"
	"github.com/shineum/smtp2http/internal/provider/webhook"
	"github.com/shineum/smtp2http/internal/relay"
	"github.com/shineum/smtp2http/internal/routing"
	"github.com/shineum/smtp2http/internal/smtp"
	smtptls "github.com/shineum/smtp2http/internal/tls"
)

// options holds the command line flags. Flags that were set override the
// configuration document and the environment.
type options struct {
	configPath string
	logLevel   string
	listen     string
	dryRun     bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "smtp2http",
		Short: "Relay inbound SMTP mail to HTTP webhooks",
		Long: `smtp2http accepts mail over SMTP, routes each recipient through the
configured endpoint map and POSTs the text content of the message to the
recipient's webhook as JSON.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.Path(),
		"path to the configuration document (env "+config.PathEnv+")")
	root.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.Flags().StringVar(&opts.listen, "listen", "", "SMTP listen address, e.g. :2525")
	root.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print webhook payloads to stdout instead of posting them")

	root.AddCommand(newCheckConfigCmd(opts))
	return root
}

func newCheckConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			table, err := cfg.RoutingTable()
			if err != nil {
				return err
			}
			printTable(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

// loadConfig loads and validates the configuration, then applies the
// flags the user set. Logging is initialized as soon as the level is known.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", opts.configPath)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("listen") {
		cfg.SMTP.Listen = opts.listen
	}
	if flags.Changed("dry-run") && opts.dryRun {
		cfg.Provider = config.ProviderStdout
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stderr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the relay together and serves until ctx is cancelled or one of
// the listeners fails.
func run(ctx context.Context, cfg *config.Config) error {
	table, err := cfg.RoutingTable()
	if err != nil {
		return err
	}
	logRoutingTable(table)

	sinks, err := eventlog.Open(eventlog.Config{
		KnownFile:   cfg.Logging.KnownFile,
		UnknownFile: cfg.Logging.UnknownFile,
	})
	if err != nil {
		return err
	}
	defer sinks.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	prov := selectProvider(cfg)

	tlsConfig, err := setupTLS(cfg)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		ReadTimeout:    cfg.SMTP.ReadTimeout,
		WriteTimeout:   cfg.SMTP.WriteTimeout,
		RejectUnrouted: cfg.SMTP.RejectUnrouted,
		TLSConfig:      tlsConfig,
		Metrics:        m,
		Relay: relay.New(relay.Config{
			Table:    table,
			Provider: prov,
			Events:   sinks,
			Metrics:  m,
		}),
	})

	slog.Info("starting smtp2http",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"metrics_listen", cfg.Metrics.Listen,
		"known_log", sinkName(cfg.Logging.KnownFile),
		"unknown_log", sinkName(cfg.Logging.UnknownFile),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.Metrics.Listen != "" {
		ms := metrics.NewServer(cfg.Metrics.Listen, reg)
		g.Go(func() error {
			return ms.ListenAndServe(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return err
	}

	slog.Info("smtp2http stopped")
	return nil
}

func selectProvider(cfg *config.Config) provider.Provider {
	if cfg.Provider == config.ProviderStdout {
		slog.Info("using stdout provider, webhooks will not be called")
		return stdout.New()
	}
	wcfg := webhook.Config{
		Timeout:   cfg.Webhook.Timeout,
		UserAgent: cfg.Webhook.UserAgent,
	}
	if o := cfg.Webhook.OAuth2; o.Enabled() {
		slog.Info("webhook requests use OAuth2 client credentials", "token_url", o.TokenURL, "client_id", o.ClientID)
		wcfg.OAuth2 = &webhook.ClientCredentials{
			TokenURL:     o.TokenURL,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Scope:        o.Scope,
		}
	}
	return webhook.New(wcfg)
}

func setupTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLS.Disabled {
		slog.Info("STARTTLS disabled")
		return nil, nil
	}

	tlsConfig, err := smtptls.Config(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup TLS")
	}

	mode := "self-signed"
	if cfg.TLS.CertFile != "" {
		mode = "file"
	}
	slog.Info("STARTTLS enabled", "tls_mode", mode)
	return tlsConfig, nil
}

func logRoutingTable(table *routing.Table) {
	endpoints := table.Endpoints()
	if len(endpoints) == 0 {
		slog.Warn("no email endpoints configured, every message will be logged as unknown")
	}
	for _, ep := range endpoints {
		slog.Info("email endpoint", "address", ep.Address, "url", ep.URL)
	}

	senders := table.AllowedSenders()
	if len(senders) == 0 {
		slog.Warn("no allowed senders configured, every message will be rejected")
	}
	for _, sender := range senders {
		slog.Info("allowed sender", "address", sender)
	}
}

func printTable(w io.Writer, table *routing.Table) {
	fmt.Fprintln(w, "email endpoints:")
	for _, ep := range table.Endpoints() {
		fmt.Fprintf(w, "  %s -> %s\n", ep.Address, ep.URL)
	}
	fmt.Fprintln(w, "allowed senders:")
	for _, sender := range table.AllowedSenders() {
		fmt.Fprintf(w, "  %s\n", sender)
	}
}

func sinkName(path string) string {
	if path == "" {
		return "stderr"
	}
	return path
}
