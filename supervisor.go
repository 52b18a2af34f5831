package iotmqtt

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Supervisor defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
	DefaultDisconnectWait   = 5 * time.Second
)

// DialFunc opens a new connection. The supervisor passes extra options,
// which the function must forward to Dial or Connect.
type DialFunc func(ctx context.Context, opts ...Option) (*Connection, error)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Retry sets the delay between reconnect attempts.
	Retry RetryPolicy

	// BreakerThreshold is the number of consecutive dial failures after
	// which dialing pauses for BreakerTimeout.
	BreakerThreshold uint32

	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration

	// DisconnectWait bounds the final Disconnect when Run returns.
	DisconnectWait time.Duration

	Clock  Clock
	Logger Logger

	// OnConnect is called after each successful connect and resubscribe.
	OnConnect func(conn *Connection)
}

// Supervisor keeps a connection alive, reconnecting with backoff and
// restoring subscriptions when the broker holds no session.
type Supervisor struct {
	dial    DialFunc
	cfg     SupervisorConfig
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	current *Connection
	subs    []Subscription

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor creates a supervisor around dial.
func NewSupervisor(dial DialFunc, cfg SupervisorConfig) *Supervisor {
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.Retry = cfg.Retry.normalize()
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.DisconnectWait <= 0 {
		cfg.DisconnectWait = DefaultDisconnectWait
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}

	s := &Supervisor{
		dial: dial,
		cfg:  cfg,
		stop: make(chan struct{}),
	}

	logger := cfg.Logger
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dial",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("dial circuit breaker state changed", LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return s
}

// Current returns the live connection, or nil between connections.
func (s *Supervisor) Current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// Stop makes Run disconnect and return.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Subscribe saves subs for restoration after reconnects and subscribes on
// the current connection, if any.
func (s *Supervisor) Subscribe(ctx context.Context, subs []Subscription) ([]SubscribeResult, error) {
	s.mu.Lock()
	for _, sub := range subs {
		s.subs = slices.DeleteFunc(s.subs, func(saved Subscription) bool {
			return saved.TopicFilter == sub.TopicFilter
		})
		s.subs = append(s.subs, sub)
	}
	conn := s.current
	s.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	return conn.SubscribeSync(ctx, subs)
}

// Unsubscribe forgets filters and unsubscribes on the current connection, if any.
func (s *Supervisor) Unsubscribe(ctx context.Context, filters []string) error {
	s.mu.Lock()
	s.subs = slices.DeleteFunc(s.subs, func(saved Subscription) bool {
		return slices.Contains(filters, saved.TopicFilter)
	})
	conn := s.current
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return conn.UnsubscribeSync(ctx, filters)
}

func (s *Supervisor) saved() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.subs)
}

// Run connects and reconnects until ctx is done or Stop is called.
// It returns ctx.Err() on cancellation and nil after Stop.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0

	for {
		conn, err := s.connect(ctx)
		if err != nil {
			delay := s.cfg.Retry.Delay(attempt)
			attempt++

			s.cfg.Logger.Warn("connect failed", LogFields{
				LogFieldError: err.Error(),
				"attempt":     attempt,
				"retry_after": delay.String(),
			})

			if stopErr := s.wait(ctx, delay); stopErr != nil || s.stopped() {
				return stopErr
			}
			continue
		}

		attempt = 0

		select {
		case <-conn.Done():
			s.setCurrent(nil)
			s.cfg.Logger.Warn("connection lost", LogFields{
				LogFieldError: errString(conn.Err()),
			})
		case <-ctx.Done():
			s.shutdown(conn)
			return ctx.Err()
		case <-s.stop:
			s.shutdown(conn)
			return nil
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*Connection, error) {
	subs := s.saved()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.dial(ctx, WithPreviousSubscriptions(subs...))
	})
	if err != nil {
		return nil, err
	}

	conn := result.(*Connection)

	if !conn.SessionPresent() && len(subs) > 0 {
		if err := s.resubscribe(ctx, conn, subs); err != nil {
			s.cfg.Logger.Warn("resubscribe failed", LogFields{
				LogFieldError: err.Error(),
			})
		}
	}

	s.setCurrent(conn)

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(conn)
	}

	return conn, nil
}

// resubscribe restores subs in batches that fit the broker's per-packet
// filter limit.
func (s *Supervisor) resubscribe(ctx context.Context, conn *Connection, subs []Subscription) error {
	var errs []error
	for batch := range slices.Chunk(subs, AWSIoTMaxFiltersPerPacket) {
		if _, err := conn.SubscribeSync(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-s.cfg.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	}
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Supervisor) setCurrent(conn *Connection) {
	s.mu.Lock()
	s.current = conn
	s.mu.Unlock()
}

func (s *Supervisor) shutdown(conn *Connection) {
	s.setCurrent(nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectWait)
	defer cancel()

	if err := conn.Disconnect(ctx); err != nil {
		s.cfg.Logger.Warn("disconnect failed", LogFields{
			LogFieldError: err.Error(),
		})
	}
}
