package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/juju/clock"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/bisect"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/config"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/metrics"
	"github.com/tis24dev/cmsfleet/internal/notify"
	"github.com/tis24dev/cmsfleet/internal/store"
	"github.com/tis24dev/cmsfleet/internal/transport"
)

// Open builds an Orchestrator from cfg. The returned close function
// releases the database.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Orchestrator, func() error, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	st, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	o, err := build(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return o, st.Close, nil
}

func build(cfg *config.Config, st *store.Store, logger *logging.Logger) (*Orchestrator, error) {
	creds := transport.StaticCredentials(cfg.Credentials)
	factory := transport.NewFactory(transport.Options{
		CommandTimeout: cfg.CommandTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		ConnectRetries: cfg.ConnectRetries,
		KeyPath:        cfg.SSHKeyPath,
		KnownHostsPath: cfg.SSHKnownHosts,
		Credentials:    creds,
		Logger:         logger,
	})
	registry := instance.NewManager(st, factory, instance.ManagerOptions{
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
	})

	opts := archive.Options{
		Root:        cfg.ArchiveRoot,
		TempDir:     cfg.TempDir,
		Compression: cfg.CompressionType,
		Level:       cfg.CompressionLevel,
		Ignore:      cfg.BackupIgnore,
		Dumper:      archive.MySQLDumper{Credentials: creds, DumpOptions: strings.Fields(cfg.MySQLDumpOptions)},
		Blank:       registry,
		Logger:      logger,
	}
	if cfg.EncryptArchive {
		recipients, err := archive.ParseRecipients(cfg.AgeRecipients)
		if err != nil {
			return nil, fmt.Errorf("age recipients: %w", err)
		}
		opts.Recipients = recipients
	}
	if cfg.AgeIdentityFile != "" {
		identities, err := archive.LoadIdentities(cfg.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		opts.Identities = identities
	}
	engine, err := archive.NewEngine(st, opts)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Logger:    logger,
		Config:    cfg,
		Registry:  registry,
		Archives:  engine,
		Checksums: &checksum.Verifier{Store: st, Logger: logger, Ignore: cfg.BackupIgnore, TempDir: cfg.TempDir},
		Bisect:    bisect.NewManager(st, logger, clock.WallClock),
		Clock:     clock.WallClock,
	}
	if deps.Hostname, err = os.Hostname(); err != nil {
		deps.Hostname = "unknown"
	}

	webhook, err := notify.NewWebhookNotifier(notify.WebhookConfig{
		Enabled:    cfg.WebhookEnabled,
		URL:        cfg.WebhookURL,
		Format:     cfg.WebhookFormat,
		Token:      cfg.WebhookToken,
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	deps.Notifiers = append(deps.Notifiers, webhook)

	if cfg.MetricsEnabled {
		deps.Metrics = metrics.NewPrometheusExporter(cfg.MetricsPath, logger)
	}
	return New(deps)
}
