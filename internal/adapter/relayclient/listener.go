package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/domain"
	"github.com/cmcscbl/chef-td-relay/internal/platform/retry"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
)

const (
	defaultReconnectDelay   = time.Second
	defaultBreakerThreshold = 5
	defaultBreakerDelay     = 30 * time.Second
)

// ListenConfig configures a reconnecting producer session.
type ListenConfig struct {
	URL   string
	Token string

	// Policy governs the dial attempts of each session.
	Policy retry.Policy
	// ReconnectDelay is the pause between sessions.
	ReconnectDelay time.Duration
	// Breaker gates new sessions. Defaults to NewBreaker(5, 30s).
	Breaker circuitbreaker.CircuitBreaker[any]
	Clock   clockwork.Clock
}

// NewBreaker opens after failureThreshold consecutive sessions that could not
// reach the relay and allows a trial session after delay.
func NewBreaker(failureThreshold uint, delay time.Duration) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(failureThreshold).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "relay_listener",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
		}).
		Build()
}

// Listen identifies as a producer and calls handle with every forwarded
// frame. Dropped connections are re-established until ctx is done. A bad
// token or a refused handshake ends the loop with an error.
func Listen(ctx context.Context, cfg ListenConfig, handle func([]byte)) error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(defaultBreakerThreshold, defaultBreakerDelay)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !cfg.Breaker.TryAcquirePermit() {
			if !sleep(ctx, cfg.Clock, cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		connected, err := session(ctx, cfg, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			cfg.Breaker.RecordSuccess()
		} else {
			cfg.Breaker.RecordError(err)
		}
		if isFatal(err) {
			return err
		}

		slog.WarnContext(ctx, "Relay session ended, reconnecting", "error", err, "delay", cfg.ReconnectDelay)
		if !sleep(ctx, cfg.Clock, cfg.ReconnectDelay) {
			return nil
		}
	}
}

// session reports whether the relay acknowledged the producer before the
// connection ended.
func session(ctx context.Context, cfg ListenConfig, handle func([]byte)) (bool, error) {
	client, err := Dial(ctx, cfg.URL, cfg.Token, cfg.Policy)
	if err != nil {
		return false, err
	}
	defer func() { _ = client.Close() }()

	helloCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = client.Identify(helloCtx, domain.RoleProducer)
	cancel()
	if err != nil {
		return false, fmt.Errorf("identify as producer: %w", err)
	}
	slog.InfoContext(ctx, "Listening for commands", "url", cfg.URL)

	for {
		raw, err := client.Receive(ctx)
		if err != nil {
			return true, err
		}
		handle(raw)
	}
}

func isFatal(err error) bool {
	if errors.Is(err, ErrBadToken) {
		return true
	}
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.StatusCode >= http.StatusBadRequest &&
			hsErr.StatusCode < http.StatusInternalServerError &&
			hsErr.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
