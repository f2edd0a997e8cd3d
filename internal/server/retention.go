package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/codemilestones/Fairy/config"
	"github.com/codemilestones/Fairy/internal/notes"
	"github.com/codemilestones/Fairy/internal/store"
)

// Retention sweeps terminal sessions older than the configured age on a
// cron schedule. Retention is the only component that deletes sessions; the
// engine itself never does.
type Retention struct {
	Store   store.Store
	Catalog *notes.Catalog
	Rdb     *redis.Client
	Cfg     config.RetentionConfig
	Stop    chan struct{}

	logger *log.Logger
}

func (r *Retention) Start() {
	r.init()
	expr, err := cronexpr.Parse(r.Cfg.Cron)
	if err != nil {
		r.logger.Printf("invalid cron %q, falling back to hourly: %v", r.Cfg.Cron, err)
		expr = cronexpr.MustParse("0 * * * *")
	}
	go r.loop(expr)
}

func (r *Retention) loop(expr *cronexpr.Expression) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			r.logger.Printf("cron schedule has no next run, stopping")
			return
		}
		select {
		case <-r.Stop:
			return
		case <-time.After(time.Until(next)):
			r.sweep()
		}
	}
}

func (r *Retention) init() {
	if r.logger == nil {
		r.logger = log.New(log.Writer(), "[RETENTION] ", log.LstdFlags)
	}
}

func (r *Retention) sweep() {
	r.init()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Distributed lock so only one replica sweeps per tick.
	if r.Rdb != nil {
		ok, err := r.Rdb.SetNX(ctx, "fairy:retention:lock", "1", 2*time.Minute).Result()
		if err != nil {
			r.logger.Printf("redis lock check failed, skipping sweep: %v", err)
			return
		}
		if !ok {
			return
		}
		defer r.Rdb.Del(context.Background(), "fairy:retention:lock")
	}

	cutoff := time.Now().Add(-r.Cfg.MaxAge)
	deleted, err := r.Store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Printf("sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		// Deleted sessions may still hold note indexes; drop them all and
		// let live sessions rebuild lazily.
		if r.Catalog != nil {
			r.Catalog.Reset()
		}
		r.logger.Printf("swept %d sessions older than %s", deleted, r.Cfg.MaxAge)
	}
}
