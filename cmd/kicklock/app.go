package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"pkt.systems/prettyx"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/config"
	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/repo"
	pkgconfig "github.com/Skotchmaster/kicklock/pkg/config"
	"github.com/Skotchmaster/kicklock/pkg/db"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// app holds the storage-side components every command needs.
type app struct {
	db     *gorm.DB
	repo   *repo.GormRepo
	audit  *audit.Logger
	invite *invite.Service

	closers []func() error
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := pkgconfig.Required(map[string]string{"DATABASE_URL": cfg.DatabaseURL}); err != nil {
		return nil, err
	}
	l := logging.FromContext(ctx)

	gdb, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{db: gdb, repo: repo.New(gdb)}
	a.closers = append(a.closers, func() error { return db.Close(gdb) })

	if err := a.repo.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.audit = &audit.Logger{Store: a.repo}
	if cfg.ESURL != "" {
		es, err := audit.NewESClient(cfg.ESURL, cfg.ESUser, cfg.ESPassword)
		if err != nil {
			// the datastore stays authoritative; search falls back to it
			l.Warn("es_unavailable", "url", cfg.ESURL, "error", err)
		} else {
			a.audit.Mirror = &audit.ESMirror{Client: es}
		}
	}
	a.invite = &invite.Service{Repo: a.repo, Audit: a.audit}
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// redisConn is a Redis client plus whether it points at the embedded
// fallback server.
type redisConn struct {
	client   *redis.Client
	embedded bool
	close    func() error
}

// openRedis connects to REDIS_ADDR. Without one an embedded server holds
// admin sessions in process and rate limiting is left off.
func openRedis(ctx context.Context, cfg config.Config) (*redisConn, error) {
	if cfg.RedisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("embedded redis: %w", err)
		}
		logging.FromContext(ctx).Warn("redis_embedded", "reason", "REDIS_ADDR not set", "rate_limit", "disabled")
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return &redisConn{client: client, embedded: true, close: func() error {
			err := client.Close()
			mr.Close()
			return err
		}}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return &redisConn{client: client, close: client.Close}, nil
}

// LISTEN/NOTIFY needs Postgres; "sqlite:" DSNs run single-instance.
func isPostgres(dsn string) bool {
	return !strings.HasPrefix(dsn, "sqlite:")
}

// originHosts turns allowed origins into websocket origin patterns, which
// match on host only.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return prettyx.PrettyTo(cmd.OutOrStdout(), data, prettyx.DefaultOptions)
}
