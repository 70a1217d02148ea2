package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"bellbot/internal/eventbus"
	"bellbot/internal/transport"
	logx "bellbot/pkg/logx"
)

var ErrEmptyText = errors.New("notifier: empty text")

const (
	TypeSent   = "notifier.sent"
	TypeFailed = "notifier.failed"
)

// Config controls throttling and retries.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single SendText call (default 10s).
	SendTimeout time.Duration
}

// SentEvent is the eventbus payload for TypeSent and TypeFailed.
type SentEvent struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Service throttles and retries sends. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender transport.Sender
	bus    eventbus.Bus
	log    logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log.With(logx.String("comp", "notifier"))}
	s.Apply(cfg)
	return s
}

// Apply swaps rate and retry settings; in-flight sends keep their snapshot.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so a few warnings firing together don't queue up
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Counters returns totals of delivered and abandoned sends.
func (s *Service) Counters() (sent, failed uint64) {
	return s.sent.Load(), s.failed.Load()
}

// Announce sends text to a room, retrying with backoff. It returns the last
// error once retries are exhausted or ctx is done.
func (s *Service) Announce(ctx context.Context, to transport.ChatTarget, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempts := 0
loop:
	for attempts < maxAttempts {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, to, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.publish(TypeSent, SentEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempts})
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		s.log.Debug("send failed", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempts), logx.Int("max", maxAttempts), logx.Err(err))
		if attempts == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempts))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			break loop
		}
	}

	s.failed.Add(1)
	s.publish(TypeFailed, SentEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempts, Error: lastErr.Error()})
	return fmt.Errorf("notifier: send to %d: %w", to.ChatID, lastErr)
}

func (s *Service) publish(typ string, ev SentEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// retryDelay is the pause after attempt (1-based): base*2^(attempt-1),
// capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), cfg.RetryMaxDelay)
}
