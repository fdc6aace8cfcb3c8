package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is a periodic maintenance task.
type JobFunc func(ctx context.Context, now time.Time)

// Sweeper runs maintenance jobs (retention sweeps, state pruning) on cron schedules.
type Sweeper struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewSweeper creates a sweeper with second-resolution cron specs. timeout
// bounds each job run.
func NewSweeper(logger *slog.Logger, timeout time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	adapter := cronLogger{logger: logger}
	return &Sweeper{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules job under name, replacing any job of the same name.
func (s *Sweeper) Add(name, spec string, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	entryID, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.entries[name] = entryID
	s.logger.Info("maintenance job scheduled", slog.String("job", name), slog.String("cron", spec))
	return nil
}

// Remove unschedules a job.
func (s *Sweeper) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// Jobs lists scheduled job names with their next run time.
func (s *Sweeper) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// RunNow executes a scheduled job synchronously.
func (s *Sweeper) RunNow(name string) bool {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Entry(entryID).WrappedJob.Run()
	return true
}

// Start begins scheduling in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
}

// Stop halts scheduling and waits for running jobs or ctx expiry.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run(name string, job JobFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	job(ctx, s.now())
	s.logger.Debug("maintenance job finished",
		slog.String("job", name),
		slog.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
