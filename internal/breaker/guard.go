package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshrelay/internal/config"
)

// Guard retries an operation through a Breaker with a per attempt timeout and
// a fixed backoff between attempts. A nil Guard runs operations directly.
type Guard struct {
	breaker  *Breaker
	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

func NewGuard(b *Breaker, attempts int, timeout, backoff time.Duration) *Guard {
	if attempts < 1 {
		attempts = 1
	}
	return &Guard{breaker: b, attempts: attempts, timeout: timeout, backoff: backoff}
}

// FromEnv builds a Guard from MESHRELAY_CB_* variables:
//
//	MESHRELAY_CB_ENABLED          (default true)
//	MESHRELAY_CB_MAX_FAILURES     (default 5)
//	MESHRELAY_CB_SUCCESSES        (default 1)
//	MESHRELAY_CB_OPEN_SECONDS     (default 30)
//	MESHRELAY_CB_ATTEMPTS         (default 2)
//	MESHRELAY_CB_TIMEOUT_MS       (default 5000)
//	MESHRELAY_CB_BACKOFF_MS       (default 200)
//
// It returns a nil Guard when the breaker is disabled.
func FromEnv(name string, logger *slog.Logger, probe func(ctx context.Context) error) (*Guard, error) {
	const p = config.EnvPrefix + "CB_"
	if !config.EnvBool(p+"ENABLED", true) {
		return nil, nil
	}

	cfg := DefaultConfig()
	var err error
	if cfg.MaxFailures, err = config.EnvInt(p+"MAX_FAILURES", cfg.MaxFailures); err != nil {
		return nil, err
	}
	if cfg.SuccessesToClose, err = config.EnvInt(p+"SUCCESSES", cfg.SuccessesToClose); err != nil {
		return nil, err
	}
	openSeconds, err := config.EnvFloat(p+"OPEN_SECONDS", cfg.ResetTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	attempts, err := config.EnvInt(p+"ATTEMPTS", 2)
	if err != nil {
		return nil, err
	}
	timeoutMS, err := config.EnvInt(p+"TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	backoffMS, err := config.EnvInt(p+"BACKOFF_MS", 200)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFailures < 1 || cfg.SuccessesToClose < 1 {
		return nil, errors.New("breaker thresholds must be >= 1")
	}
	if openSeconds <= 0 || timeoutMS < 0 || backoffMS < 0 {
		return nil, errors.New("breaker durations must not be negative")
	}
	cfg.ResetTimeout = time.Duration(openSeconds * float64(time.Second))

	return NewGuard(New(name, cfg, logger, probe), attempts,
		time.Duration(timeoutMS)*time.Millisecond,
		time.Duration(backoffMS)*time.Millisecond), nil
}

func (g *Guard) Breaker() *Breaker {
	if g == nil {
		return nil
	}
	return g.breaker
}

// Do runs op, retrying plain failures. ErrOpen is returned at once so that a
// dead sink does not stall the caller.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if g == nil || g.breaker == nil {
		return op(ctx)
	}
	var err error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := g.attemptContext(ctx)
		err = g.breaker.Execute(attemptCtx, op)
		cancel()
		if err == nil || errors.Is(err, ErrOpen) {
			return err
		}
		if attempt < g.attempts {
			if werr := g.wait(ctx); werr != nil {
				return werr
			}
		}
	}
	return err
}

func (g *Guard) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guard) wait(ctx context.Context) error {
	if g.backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(g.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
