package ircsession

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// ReconnectConfig controls automatic reconnection after transport failures.
type ReconnectConfig struct {
	// Enabled turns on reconnection in Run.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// InitialDelay is the first backoff delay.
	// Default: 1 second
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff delay.
	// Default: 30 seconds
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay after each failed attempt.
	// Default: 2
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomizes each delay by up to this fraction in either direction.
	// Default: 0.2
	Jitter float64 `yaml:"jitter"`

	// MaxAttempts stops Run after this many consecutive failures. Zero
	// retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultReconnectConfig returns the default reconnect configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// backoff produces exponentially growing delays, reset on success.
type backoff struct {
	config  ReconnectConfig
	current time.Duration
	jitter  func() float64
}

func newBackoff(config ReconnectConfig) *backoff {
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2
	}
	return &backoff{config: config, current: config.InitialDelay, jitter: rand.Float64}
}

// Next returns the delay to wait now and grows the following one.
func (b *backoff) Next() time.Duration {
	d := b.current
	if j := b.config.Jitter; j > 0 {
		d = time.Duration(float64(d) * (1 + j*(2*b.jitter()-1)))
	}
	next := time.Duration(float64(b.current) * b.config.Multiplier)
	if next > b.config.MaxDelay {
		next = b.config.MaxDelay
	}
	b.current = next
	return d
}

// Reset returns to the initial delay.
func (b *backoff) Reset() {
	b.current = b.config.InitialDelay
}

// RegistrationSource produces the registration payload for each attempt.
type RegistrationSource func(ctx context.Context) ([]byte, error)

// StaticRegistration always returns payload.
func StaticRegistration(payload []byte) RegistrationSource {
	return func(context.Context) ([]byte, error) { return payload, nil }
}

// Run connects, registers and keeps the session online until ctx ends or
// Quit is called. Transport failures are retried with exponential backoff
// when reconnection is enabled. Cancelling ctx performs a graceful quit.
func (s *Session) Run(ctx context.Context, reg RegistrationSource) error {
	b := newBackoff(s.config.Reconnect)
	failures := 0
	for {
		err := s.connectAndRegister(ctx, reg)
		if err == nil {
			failures = 0
			b.Reset()
			select {
			case <-ctx.Done():
				quitCtx, cancel := context.WithTimeout(context.Background(), s.config.Correlator.QuitTimeout+time.Second)
				qerr := s.Quit(quitCtx, "")
				cancel()
				if qerr != nil {
					return qerr
				}
				return ctx.Err()
			case <-s.Done():
			}
			if s.quitRequested() {
				return nil
			}
			err = s.Err()
			if err == nil {
				err = ErrSessionClosed
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.config.Reconnect.Enabled || !retryable(err) {
			return err
		}
		failures++
		if max := s.config.Reconnect.MaxAttempts; max > 0 && failures >= max {
			return err
		}

		delay := b.Next()
		log.Warn().
			Str("session", string(s.id)).
			Err(err).
			Int("attempt", failures).
			Dur("delay", delay).
			Msg("connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) connectAndRegister(ctx context.Context, reg RegistrationSource) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	payload, err := reg(ctx)
	if err != nil {
		s.Close()
		return err
	}
	if err := s.Register(ctx, payload); err != nil {
		s.Close()
		return err
	}
	return nil
}

// retryable reports whether err is worth another connection attempt.
// Rejections and local misuse are not.
func retryable(err error) bool {
	var (
		te *TransportError
		to *TimeoutError
		pe *ProtocolError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &to):
		return true
	case errors.As(err, &pe):
		return false
	case errors.Is(err, ErrSessionClosed):
		return true
	}
	return false
}
