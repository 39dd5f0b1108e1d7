package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultReapSchedule = "* * * * *"
	DefaultIdleTTL      = 10 * time.Minute
)

var reapCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or an @-descriptor.
// Timezone prefixes are rejected; schedules run in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := reapCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// ReaperConfig configures the idle binding reaper.
type ReaperConfig struct {
	Bridge   *Bridge
	IdleTTL  time.Duration
	Schedule string
	Logger   *slog.Logger
}

// Reaper periodically releases bindings that clients abandoned without
// unsubscribing.
type Reaper struct {
	bridge   *Bridge
	idleTTL  time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper creates a reaper. It does not start until Start is called.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("reaper bridge is nil")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultReapSchedule
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Reaper{
		bridge:   cfg.Bridge,
		idleTTL:  cfg.IdleTTL,
		schedule: schedule,
		logger:   cfg.Logger,
	}, nil
}

// Start begins running passes on the configured schedule.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	runCtx := context.WithoutCancel(ctx)
	c.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce(runCtx) }))
	c.Start()
	r.cron = c

	r.logger.Info("idle reaper started", "idle_ttl", r.idleTTL)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single reaping pass and returns the number of bindings
// released.
func (r *Reaper) RunOnce(ctx context.Context) int {
	n := r.bridge.ReapIdle(ctx, r.idleTTL)
	if n > 0 {
		r.logger.Info("reaped idle bindings", "count", n)
	}
	return n
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
