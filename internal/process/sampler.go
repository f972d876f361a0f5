package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ListFunc returns the names of all running processes. Names may
// repeat; the sampler collapses them.
type ListFunc func(ctx context.Context) ([]string, error)

// SamplerConfig configures a [Sampler].
type SamplerConfig struct {
	// Interval is the pause between the end of one sample and the start
	// of the next.
	Interval time.Duration

	// QueryTimeout bounds a single process table query.
	QueryTimeout time.Duration

	// List queries the OS. Defaults to [ListNames].
	List ListFunc

	// OnSample is called after every successful sample. Optional.
	OnSample func(*Snapshot)

	// OnError is called after every failed sample. Optional.
	OnError func(error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Sampler periodically queries the process table and keeps the latest
// [Snapshot] in an atomic slot. Readers never observe a partially
// built set.
type Sampler struct {
	cfg     SamplerConfig
	current atomic.Pointer[Snapshot]
}

// NewSampler creates a Sampler. It does not sample until [Sampler.Run]
// or [Sampler.Sample] is called.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.List == nil {
		cfg.List = ListNames
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sampler{cfg: cfg}
}

// Snapshot returns the most recent successful sample, or nil if no
// sample has succeeded yet.
func (s *Sampler) Snapshot() *Snapshot {
	return s.current.Load()
}

// Sample performs one bounded query and, on success, replaces the
// current snapshot. On failure the previous snapshot is kept.
func (s *Sampler) Sample(ctx context.Context) (*Snapshot, error) {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	names, err := s.cfg.List(qctx)
	if err != nil {
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
		return nil, fmt.Errorf("list processes: %w", err)
	}

	snap := NewSnapshot(names, time.Now())
	s.current.Store(snap)
	if s.cfg.OnSample != nil {
		s.cfg.OnSample(snap)
	}
	return snap, nil
}

// Run samples until ctx is cancelled. It blocks. Failures are logged
// and the loop continues on the previous snapshot.
func (s *Sampler) Run(ctx context.Context) {
	logger := s.cfg.Logger
	failing := false

	for {
		snap, err := s.Sample(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			if !failing {
				logger.Warn("process sample failed, keeping previous snapshot", "error", err)
			} else {
				logger.Debug("process sample still failing", "error", err)
			}
			failing = true
		case err == nil:
			if failing {
				logger.Info("process sampling recovered", "processes", snap.Len())
			}
			failing = false
			logger.Log(ctx, slog.Level(-8), "process snapshot taken", // config.LevelTrace
				"processes", snap.Len(),
			)
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ListNames enumerates the host process table through gopsutil.
// Processes that exit between enumeration and the name lookup, or
// whose name cannot be read, are skipped.
func ListNames(ctx context.Context) ([]string, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
