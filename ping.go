package ircsession

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PingResult represents the result of a keepalive ping.
type PingResult struct {
	// RTT is the round-trip time of the ping.
	RTT time.Duration
	// Token is the echoed token.
	Token string
	// Err is any error that occurred during the ping.
	Err error
}

// pendingPing tracks an outstanding ping awaiting its PONG.
type pendingPing struct {
	token    string
	sentAt   time.Time
	resultCh chan<- *PingResult
}

// PingConfig holds configuration options for PING/PONG handling.
type PingConfig struct {
	// AnswerPings controls whether server PINGs are answered.
	// Default: true
	AnswerPings bool `yaml:"answer_pings"`

	// PongDelay is how long to wait before answering a PING, so that two
	// peers echoing each other cannot storm.
	// Default: 250 milliseconds
	PongDelay time.Duration `yaml:"pong_delay"`

	// KeepaliveInterval is how often an online session pings the server.
	// Zero disables keepalive.
	// Default: 60 seconds
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// PingTimeout is the maximum time to wait for a PONG.
	// Default: 30 seconds
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// DefaultPingConfig returns the default ping configuration.
func DefaultPingConfig() PingConfig {
	return PingConfig{
		AnswerPings:       true,
		PongDelay:         250 * time.Millisecond,
		KeepaliveInterval: 60 * time.Second,
		PingTimeout:       30 * time.Second,
	}
}

// sendFunc queues a message on the current connection.
type sendFunc func(m *Message, prio Priority) error

// pingManager answers server pings and correlates our own.
type pingManager struct {
	config PingConfig
	send   sendFunc

	// Pending pings awaiting PONG, keyed by token
	pendingPings sync.Map
}

func newPingManager(config PingConfig, send sendFunc) *pingManager {
	return &pingManager{config: config, send: send}
}

// Ping sends a PING with a random token and waits for the matching PONG.
func (pm *pingManager) Ping(ctx context.Context) *PingResult {
	token, err := generatePingToken()
	if err != nil {
		return &PingResult{Err: fmt.Errorf("generate ping token: %w", err)}
	}

	resultCh := make(chan *PingResult, 1)
	pm.pendingPings.Store(token, &pendingPing{
		token:    token,
		sentAt:   time.Now(),
		resultCh: resultCh,
	})
	defer pm.pendingPings.Delete(token)

	if err := pm.send(NewMessage(PingCommand{Token: token}), PriorityNormal); err != nil {
		return &PingResult{Err: fmt.Errorf("send ping: %w", err)}
	}

	timeout := pm.config.PingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result
	case <-timer.C:
		return &PingResult{Token: token, Err: &TimeoutError{Op: "ping", ID: token, After: timeout}}
	case <-ctx.Done():
		return &PingResult{Token: token, Err: ctx.Err()}
	}
}

// generatePingToken returns a random non-zero hex token.
func generatePingToken() (string, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		if v := binary.BigEndian.Uint32(buf[:]); v != 0 {
			return fmt.Sprintf("%08x", v), nil
		}
	}
}

// handlePong resolves the pending ping for the echoed token.
func (pm *pingManager) handlePong(c PongCommand) {
	v, ok := pm.pendingPings.Load(c.Token)
	if !ok {
		log.Debug().Str("token", c.Token).Msg("received pong for unknown ping")
		return
	}
	pending := v.(*pendingPing)
	rtt := time.Since(pending.sentAt)

	select {
	case pending.resultCh <- &PingResult{RTT: rtt, Token: c.Token}:
		log.Debug().Str("token", c.Token).Dur("rtt", rtt).Msg("pong received")
	default:
		log.Debug().Str("token", c.Token).Msg("pong result channel full, discarding")
	}
}

// handlePing schedules the PONG after PongDelay. It never blocks the caller.
func (pm *pingManager) handlePing(c PingCommand) {
	if !pm.config.AnswerPings {
		log.Debug().Msg("ignoring ping (answer_pings disabled)")
		return
	}
	pong := NewMessage(PongCommand{Token: c.Token, Server: c.Server})
	time.AfterFunc(pm.config.PongDelay, func() {
		if err := pm.send(pong, PriorityNormal); err != nil {
			log.Debug().Err(err).Str("token", c.Token).Msg("failed to send pong")
			return
		}
		log.Trace().Str("token", c.Token).Msg("sent pong")
	})
}
