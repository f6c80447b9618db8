// Package poll parses poll command flags and composes the coordinator entrypoint.
package poll

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/livepoll/internal/platform/cmd"
	server "github.com/louisbranch/livepoll/internal/services/poll/app"
)

// Config holds poll command configuration.
type Config struct {
	HTTPAddr        string        `env:"POLL_HTTP_ADDR"        envDefault:":8090"`
	DefaultDuration time.Duration `env:"POLL_DEFAULT_DURATION" envDefault:"30s"`
	CloseGrace      time.Duration `env:"POLL_CLOSE_GRACE"      envDefault:"1s"`
	HistoryLimit    int           `env:"POLL_HISTORY_LIMIT"    envDefault:"0"`
	IdleTTL         time.Duration `env:"POLL_IDLE_TTL"         envDefault:"0s"`
	SweepInterval   time.Duration `env:"POLL_SWEEP_INTERVAL"   envDefault:"1m"`
	ArchivePath     string        `env:"POLL_ARCHIVE_PATH"`

	PresenterGrantSecret string        `env:"POLL_PRESENTER_GRANT_SECRET"`
	PresenterGrantTTL    time.Duration `env:"POLL_PRESENTER_GRANT_TTL" envDefault:"12h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "poll HTTP listen address")
	fs.DurationVar(&cfg.DefaultDuration, "default-duration", cfg.DefaultDuration, "round duration when neither ask nor join sets one")
	fs.DurationVar(&cfg.CloseGrace, "close-grace", cfg.CloseGrace, "extra time before a round auto-closes")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "closed rounds kept per poll (0 keeps all)")
	fs.DurationVar(&cfg.IdleTTL, "idle-ttl", cfg.IdleTTL, "evict polls idle this long (0 disables)")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "idle poll sweep interval")
	fs.StringVar(&cfg.ArchivePath, "archive-path", cfg.ArchivePath, "SQLite results archive path (empty disables)")
	fs.StringVar(&cfg.PresenterGrantSecret, "presenter-grant-secret", cfg.PresenterGrantSecret, "HMAC secret for presenter grants (empty disables)")
	fs.DurationVar(&cfg.PresenterGrantTTL, "presenter-grant-ttl", cfg.PresenterGrantTTL, "presenter grant lifetime")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit < 0 {
		return Config{}, fmt.Errorf("history limit must not be negative: %d", cfg.HistoryLimit)
	}
	return cfg, nil
}

// Run builds the poll app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePoll, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:             cfg.HTTPAddr,
			DefaultDuration:      cfg.DefaultDuration,
			CloseGrace:           cfg.CloseGrace,
			HistoryLimit:         cfg.HistoryLimit,
			IdleTTL:              cfg.IdleTTL,
			SweepInterval:        cfg.SweepInterval,
			ArchivePath:          cfg.ArchivePath,
			PresenterGrantSecret: cfg.PresenterGrantSecret,
			PresenterGrantTTL:    cfg.PresenterGrantTTL,
		}); err != nil {
			return fmt.Errorf("serve poll: %w", err)
		}
		return nil
	})
}
