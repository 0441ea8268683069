package ircsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CorrelatorConfig holds the reply ceilings of correlated requests.
type CorrelatorConfig struct {
	// KeyBundleTimeout bounds READKEYBUNDLE.
	// Default: 10 seconds
	KeyBundleTimeout time.Duration `yaml:"key_bundle_timeout"`

	// PublishTimeout bounds PUBLISHKEYBUNDLE and PUBLISHBLOB.
	// Default: 10 seconds
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// RegistrationTimeout bounds the registration handshake.
	// Default: 30 seconds
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`

	// DeviceRegistryTimeout bounds waiting for another device to approve.
	// Default: 240 seconds
	DeviceRegistryTimeout time.Duration `yaml:"device_registry_timeout"`

	// UploadTimeout bounds the upload-complete acknowledgment.
	// Default: 60 seconds
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	// QuitTimeout bounds waiting for the quit confirmation.
	// Default: 5 seconds
	QuitTimeout time.Duration `yaml:"quit_timeout"`
}

// DefaultCorrelatorConfig returns the default ceilings.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		KeyBundleTimeout:      10 * time.Second,
		PublishTimeout:        10 * time.Second,
		RegistrationTimeout:   30 * time.Second,
		DeviceRegistryTimeout: 240 * time.Second,
		UploadTimeout:         60 * time.Second,
		QuitTimeout:           5 * time.Second,
	}
}

// Reply is what resolves a correlated wait.
type Reply struct {
	Packet *MessagePacket
	Ack    *Acknowledgment
	Err    error
}

// Correlator matches asynchronous replies to waiting callers by
// correlation id. Waits end on the reply, the ceiling, the caller's
// context, or FailAll, whichever comes first. A finished wait always
// removes its entry.
type Correlator struct {
	mu        sync.Mutex
	waiters   map[string]*Waiter
	closedErr error
}

// NewCorrelator returns an open correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[string]*Waiter)}
}

// Waiter is one registered expectation.
type Waiter struct {
	c  *Correlator
	op string
	id string
	ch chan Reply
}

// ID returns the correlation id.
func (w *Waiter) ID() string { return w.id }

// Expect registers interest in id. Register before sending the request so a
// fast reply cannot be missed.
func (c *Correlator) Expect(op, id string) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedErr != nil {
		return nil, c.closedErr
	}
	if _, exists := c.waiters[id]; exists {
		return nil, fmt.Errorf("%s: correlation id %s already pending", op, id)
	}
	w := &Waiter{c: c, op: op, id: id, ch: make(chan Reply, 1)}
	c.waiters[id] = w
	return w, nil
}

// Wait blocks for the reply. It returns *TimeoutError at the ceiling, the
// context error on cancellation, and the FailAll error on disconnect.
func (w *Waiter) Wait(ctx context.Context, ceiling time.Duration) (Reply, error) {
	defer w.Cancel()

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r, r.Err
	case <-timer.C:
		log.Debug().
			Str("op", w.op).
			Str("id", w.id).
			Dur("ceiling", ceiling).
			Msg("correlated request timed out")
		return Reply{}, &TimeoutError{Op: w.op, ID: w.id, After: ceiling}
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Cancel drops the waiter without waiting.
func (w *Waiter) Cancel() {
	w.c.mu.Lock()
	if cur, ok := w.c.waiters[w.id]; ok && cur == w {
		delete(w.c.waiters, w.id)
	}
	w.c.mu.Unlock()
}

// Await registers id, runs send, and waits. If send fails the waiter is
// dropped and the send error returned.
func (c *Correlator) Await(ctx context.Context, op, id string, ceiling time.Duration, send func() error) (Reply, error) {
	w, err := c.Expect(op, id)
	if err != nil {
		return Reply{}, err
	}
	if err := send(); err != nil {
		w.Cancel()
		return Reply{}, fmt.Errorf("%s: send: %w", op, err)
	}
	return w.Wait(ctx, ceiling)
}

// Resolve delivers r to the waiter for id. It reports whether one existed.
func (c *Correlator) Resolve(id string, r Reply) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		log.Trace().Str("id", id).Msg("reply for unknown correlation id")
		return false
	}
	select {
	case w.ch <- r:
	default:
	}
	return true
}

// FailAll fails every pending wait with err and refuses new ones until
// Reopen.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]*Waiter)
	c.closedErr = err
	c.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.ch <- Reply{Err: err}:
		default:
		}
	}
	if len(waiters) > 0 {
		log.Debug().Int("count", len(waiters)).Err(err).Msg("failed pending requests")
	}
}

// Reopen accepts new waits again after FailAll.
func (c *Correlator) Reopen() {
	c.mu.Lock()
	c.closedErr = nil
	c.mu.Unlock()
}

// Pending returns the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
