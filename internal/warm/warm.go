// Package warm refreshes cached result sets for a fixed set of queries on a
// cron schedule, so popular queries rarely pay for a cold fan-out.
package warm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"apiagg/internal/config"
	"apiagg/internal/slogutil"
)

// Warmer refreshes the cache for queries and reports how many were warmed.
type Warmer interface {
	Warm(ctx context.Context, queries []string) (int, error)
}

// Status describes the scheduler and its most recent run.
type Status struct {
	Schedule     string        `json:"schedule"`
	Queries      []string      `json:"queries"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"lastRun,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastWarmed   int           `json:"lastWarmed"`
	LastError    string        `json:"lastError,omitempty"`
	NextRun      time.Time     `json:"nextRun,omitempty"`
}

// Scheduler runs Warmer.Warm on a cron schedule. Runs never overlap: a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	warmer  Warmer
	queries []string
	spec    string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
}

// New creates a scheduler for cfg.Schedule. It does not start it.
func New(cfg config.WarmConfig, warmer Warmer, logger *slog.Logger) (*Scheduler, error) {
	if warmer == nil {
		return nil, fmt.Errorf("warmer must not be nil")
	}
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	queries := cleanQueries(cfg.Queries)
	if len(queries) == 0 {
		return nil, fmt.Errorf("warm: no queries configured")
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = config.DefaultWarmSchedule
	}

	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    c,
		warmer:  warmer,
		queries: queries,
		spec:    spec,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	id, err := c.AddFunc(spec, s.job)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("warm: invalid schedule %q: %w", spec, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins scheduled execution.
func (s *Scheduler) Start() {
	s.logger.Info("Starting cache warmer", "schedule", s.spec, "queries", len(s.queries))
	s.cron.Start()
}

// Stop cancels a running warm and waits up to timeout for it to return.
func (s *Scheduler) Stop(timeout time.Duration) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		s.logger.Info("Cache warmer stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("cache warmer shutdown timed out")
	}
}

// RunNow warms every configured query immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.warmer.Warm(ctx, s.queries)
	s.finish(start, n, err)
	return n, err
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	st.Schedule = s.spec
	st.Queries = append([]string(nil), s.queries...)
	if e := s.cron.Entry(s.entryID); e.Valid() {
		st.NextRun = e.Next
	}
	return st
}

func (s *Scheduler) job() {
	if s.ctx.Err() != nil {
		return
	}
	_, _ = s.RunNow(s.ctx)
}

func (s *Scheduler) finish(start time.Time, warmed int, err error) {
	d := time.Since(start)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = start
	s.status.LastDuration = d
	s.status.LastWarmed = warmed
	s.status.LastError = ""
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Cache warm incomplete", "warmed", warmed, "of", len(s.queries), "error", err, "duration", d)
		return
	}
	s.logger.Info("Cache warm completed", "warmed", warmed, "duration", d)
}

func cleanQueries(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, q := range in {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
