// Package breaker guards calls to external sinks (realtime database, search
// index, message bus) with a circuit breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open; fast-fail")

type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // successes needed in half-open before closing
}

func DefaultConfig() Config {
	return Config{MaxFailures: 5, ResetTimeout: 30 * time.Second, SuccessesToClose: 1}
}

type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	probe  func(ctx context.Context) error
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	trial     bool
}

// New returns a closed breaker. probe, when non-nil, runs before the first
// operation after the reset timeout and keeps the breaker open if it fails.
func New(name string, cfg Config, logger *slog.Logger, probe func(ctx context.Context) error) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.SuccessesToClose < 1 {
		cfg.SuccessesToClose = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("breaker", name),
		probe:  probe,
		now:    time.Now,
	}
	b.logger.Debug("breaker created", "max_failures", cfg.MaxFailures, "reset_timeout", cfg.ResetTimeout)
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the breaker is open. While half-open only one
// trial op runs at a time; concurrent callers get ErrOpen until its result
// is recorded.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}
	err = op(ctx)
	b.record(err, trial)
	return err
}

func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil
	case HalfOpen:
		defer b.mu.Unlock()
		if b.trial {
			return false, ErrOpen
		}
		b.trial = true
		return true, nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		b.mu.Unlock()
		return false, ErrOpen
	}
	b.state = HalfOpen
	b.successes = 0
	b.trial = true
	b.mu.Unlock()
	b.logger.Info("breaker half-open")

	if b.probe == nil {
		return true, nil
	}
	if err := b.probe(ctx); err != nil {
		b.logger.Warn("breaker probe failed", "err", err)
		b.mu.Lock()
		b.trip()
		b.mu.Unlock()
		return false, ErrOpen
	}
	return true, nil
}

// record counts the outcome of an admitted op. Results of non-trial ops
// only count while the breaker is closed.
func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trial = false
	} else if b.state != Closed {
		return
	}

	if err == nil {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessesToClose {
				b.state = Closed
				b.failures = 0
				b.logger.Info("breaker closed")
			}
		default:
			b.failures = 0
		}
		return
	}

	if b.state == HalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip()
	}
}

// trip opens the breaker; callers hold mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.trial = false
	b.logger.Error("breaker opened", "failures", b.failures)
}
