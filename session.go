package ircsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionID identifies a session within a SessionManager.
type SessionID string

// NewSessionID returns a random id.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// Dialer opens the transport for a session.
type Dialer func(ctx context.Context, server ServerConfig) (net.Conn, error)

// Options carries the collaborators a session talks to. Nil fields get
// in-memory or no-op defaults.
type Options struct {
	Crypto   Crypto
	Signer   TokenSigner
	Messages MessageStore
	Pending  PendingMediaStore
	Replay   ReplayGuard
	Events   EventSink
	Dialer   Dialer
}

func (o Options) withDefaults(cfg *Config) Options {
	if o.Crypto == nil {
		o.Crypto = NopCrypto{}
	}
	if o.Messages == nil {
		o.Messages = NewMemoryMessageStore()
	}
	if o.Pending == nil {
		o.Pending = NewMemoryPendingStore()
	}
	if o.Replay == nil {
		o.Replay = NewMemoryReplayGuard(cfg.Storage.ReplayTTL)
	}
	if o.Events == nil {
		o.Events = NopEventSink{}
	}
	if o.Dialer == nil {
		o.Dialer = DialServer
	}
	return o
}

// DialServer dials server over TCP, with TLS when configured.
func DialServer(ctx context.Context, server ServerConfig) (net.Conn, error) {
	d := &net.Dialer{Timeout: server.DialTimeout}
	if !server.TLS {
		return d.DialContext(ctx, "tcp", server.Addr)
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName:         server.ServerName,
			InsecureSkipVerify: server.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return td.DialContext(ctx, "tcp", server.Addr)
}

// sweepInterval is how often the session context expires stale transfers,
// deliveries and presence entries.
const sweepInterval = 5 * time.Second

// quitCorrelationID is the correlator key of the pending quit confirmation.
const quitCorrelationID = "quit"

// Session is one device's connection to the messaging server.
//
// Every inbound message is handled on a single goroutine per connection,
// the session context, in arrival order. Public methods are safe for
// concurrent use; they queue lines on the pipeline and wait on the
// correlator, never on session-context state directly.
type Session struct {
	id     SessionID
	config *Config
	nick   Nick
	opts   Options

	state      *StateMachine
	correlator *Correlator
	delivery   *deliveryTracker
	presence   *presenceCache
	access     *accessFilter
	limiter    *senderLimiter
	ping       *pingManager
	handlers   *handlerRegistry
	motd       motdBuilder

	// Owned by the session context.
	reassembler *Reassembler

	exec chan func()

	mu       sync.Mutex
	pipe     *Pipeline
	connDone chan struct{}
	connErr  error
	quitting bool
	regID    string
	isonAsk  []Nick

	lastAck atomic.Pointer[Acknowledgment]
}

// NewSession validates cfg and returns an offline session.
func NewSession(id SessionID, cfg *Config, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nick, err := ParseNick(cfg.Identity.Nick)
	if err != nil {
		return nil, fmt.Errorf("session identity: %w", err)
	}
	if id == "" {
		id = NewSessionID()
	}
	s := &Session{
		id:          id,
		config:      cfg,
		nick:        nick,
		opts:        opts.withDefaults(cfg),
		state:       NewStateMachine(),
		correlator:  NewCorrelator(),
		delivery:    newDeliveryTracker(),
		presence:    newPresenceCache(cfg.Presence),
		access:      newAccessFilter(cfg.Access),
		limiter:     newSenderLimiter(cfg.RateLimit),
		reassembler: NewReassembler(cfg.Multipart),
		exec:        make(chan func()),
	}
	s.ping = newPingManager(cfg.Ping, s.send)
	s.handlers = newHandlerRegistry(s)
	s.state.Observe(func(from, to ConnState) {
		s.emit(Event{Kind: EventStateChanged, State: to.String(), Text: from.String()})
	})
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() SessionID { return s.id }

// Nick returns the identity this session registers as.
func (s *Session) Nick() Nick { return s.nick }

// State returns the connection state.
func (s *Session) State() ConnState { return s.state.State() }

// Observe registers a state observer.
func (s *Session) Observe(fn StateObserver) { s.state.Observe(fn) }

// Done is closed when the current connection's session context exits. It
// is nil before the first Connect.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connDone
}

// Err returns the error that ended the last connection, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// Connect dials the server and starts the session context. It is valid
// from offline and disconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.state.State() == StateDisconnected {
		if _, err := s.state.Transition(StateOffline, nil); err != nil {
			return err
		}
	}
	if _, err := s.state.Transition(StateConnecting, nil); err != nil {
		return err
	}

	conn, err := s.opts.Dialer(ctx, s.config.Server)
	if err != nil {
		_, _ = s.state.Transition(StateOffline, nil)
		return &TransportError{Op: "dial", Err: err}
	}
	pipe, err := NewPipeline(conn, s.config.Pipeline)
	if err != nil {
		_ = conn.Close()
		_, _ = s.state.Transition(StateOffline, nil)
		return err
	}

	s.correlator.Reopen()
	s.reassembler.Reset()
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.pipe = pipe
	s.connDone = done
	s.connErr = nil
	s.quitting = false
	s.regID = ""
	s.mu.Unlock()

	if _, err := s.state.Transition(StateConnected, nil); err != nil {
		cancel()
		close(done)
		_ = conn.Close()
		return err
	}
	pipe.Start(loopCtx)
	go s.run(loopCtx, cancel, pipe, done)

	log.Info().
		Str("session", string(s.id)).
		Str("addr", s.config.Server.Addr).
		Bool("tls", s.config.Server.TLS).
		Msg("connected")

	if pw := s.config.Server.Password; pw != "" {
		if err := s.send(NewMessage(PassCommand{Password: pw}), PriorityNormal); err != nil {
			return err
		}
	}
	return nil
}

// Register sends the registration packet and waits for the server's
// registered acknowledgment. On success the session is online and has
// announced itself and queried its contacts' presence.
func (s *Session) Register(ctx context.Context, registration []byte) error {
	if st := s.state.State(); st != StateConnected {
		return &StateError{Op: "register", State: st}
	}
	p := NewPacket(PacketRegistration)
	p.Sender = s.nick.String()
	p.Payload = registration
	blob, err := s.seal(ctx, p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.regID = p.ID
	s.mu.Unlock()

	if _, err := s.state.Transition(StateRegistering, &SessionContext{Nick: s.nick}); err != nil {
		return err
	}
	msg := NewMessage(NickCommand{Nick: s.nick}, Tag{Key: TagRegistrationPacket, Value: blob})
	reply, err := s.correlator.Await(ctx, "register", p.ID, s.config.Correlator.RegistrationTimeout, func() error {
		return s.send(msg, PriorityNormal)
	})
	if err != nil {
		return err
	}
	if reply.Ack == nil || !reply.Ack.OK {
		reason := "rejected"
		if reply.Ack != nil && reply.Ack.Reason != "" {
			reason = reply.Ack.Reason
		}
		return &ProtocolError{Op: "register", Msg: reason}
	}
	return nil
}

// Quit deregisters and closes the connection. The quit confirmation is
// awaited for at most the quit timeout; a missing confirmation is not an
// error. A session that quit is never reconnected by Run.
func (s *Session) Quit(ctx context.Context, reason string) error {
	switch st := s.state.State(); st {
	case StateConnected, StateRegistering, StateRegistered, StateOnline:
	default:
		return &StateError{Op: "quit", State: st}
	}

	s.mu.Lock()
	s.quitting = true
	pipe, done := s.pipe, s.connDone
	s.mu.Unlock()

	if _, err := s.state.Transition(StateDeregistering, nil); err != nil {
		return err
	}
	_, err := s.correlator.Await(ctx, "quit", quitCorrelationID, s.config.Correlator.QuitTimeout, func() error {
		return s.send(NewMessage(QuitCommand{Reason: reason}), PriorityNormal)
	})
	if err != nil {
		log.Debug().Str("session", string(s.id)).Err(err).Msg("quit not confirmed")
	}

	_ = pipe.Close()
	<-done
	_, terr := s.state.Transition(StateOffline, nil)
	return terr
}

// Close drops the connection without deregistering.
func (s *Session) Close() {
	s.mu.Lock()
	s.quitting = true
	pipe, done := s.pipe, s.connDone
	s.mu.Unlock()
	if pipe == nil {
		return
	}
	pipe.Abort()
	<-done
}

func (s *Session) quitRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitting
}

// send queues m on the current connection.
func (s *Session) send(m *Message, prio Priority) error {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return ErrSessionClosed
	}
	return pipe.Send(m, prio)
}

// do runs fn on the session context and waits for it. With no connection
// running it runs fn on the caller's goroutine.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	s.mu.Lock()
	done := s.connDone
	s.mu.Unlock()
	if done == nil {
		wrapped()
		return nil
	}

	select {
	case s.exec <- wrapped:
	case <-done:
		wrapped()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session context of one connection.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, pipe *Pipeline, done chan struct{}) {
	defer close(done)
	defer cancel()

	go s.keepalive(ctx, pipe)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-pipe.Ready():
			s.drain(ctx, pipe)
		case fn := <-s.exec:
			fn()
		case <-sweep.C:
			s.sweep(ctx)
		case <-pipe.Done():
			s.drain(ctx, pipe)
			s.terminate(pipe.Err())
			return
		}
	}
}

func (s *Session) drain(ctx context.Context, pipe *Pipeline) {
	for {
		m, ok := pipe.TryNext()
		if !ok {
			return
		}
		s.dispatch(ctx, m)
	}
}

// terminate runs once the pipeline has stopped.
func (s *Session) terminate(err error) {
	s.correlator.FailAll(ErrSessionClosed)
	s.mu.Lock()
	s.connErr = err
	s.mu.Unlock()

	if _, terr := s.state.Transition(StateDisconnected, nil); terr != nil {
		log.Debug().Err(terr).Msg("disconnect transition")
	}
	if err != nil {
		log.Warn().Str("session", string(s.id)).Err(err).Msg("connection lost")
		s.emit(Event{Kind: EventError, Error: err.Error()})
	} else {
		log.Info().Str("session", string(s.id)).Msg("connection closed")
	}
}

// sweep expires transfers, deliveries and presence entries.
func (s *Session) sweep(ctx context.Context) {
	for _, id := range s.reassembler.Expire() {
		log.Debug().Str("transfer", id).Msg("multipart transfer expired")
		s.emit(Event{Kind: EventTransferFailed, TransferID: id, Error: "expired"})
	}
	for _, id := range s.delivery.CleanupExpired(s.config.Delivery.Expiry) {
		s.emit(Event{Kind: EventDelivery, MessageID: id, State: DeliveryExpired})
	}
	if n := s.presence.CleanupExpired(); n > 0 {
		log.Trace().Int("removed", n).Msg("presence entries expired")
	}
	s.limiter.CleanupStale()
}

// keepalive pings the server while online. A missing PONG fails the
// connection so Run can reconnect.
func (s *Session) keepalive(ctx context.Context, pipe *Pipeline) {
	interval := s.config.Ping.KeepaliveInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.state.State() != StateOnline {
			continue
		}
		res := s.ping.Ping(ctx)
		if res.Err == nil {
			log.Trace().Dur("rtt", res.RTT).Msg("keepalive")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		var te *TimeoutError
		if errors.As(res.Err, &te) {
			pipe.Fail(&TransportError{Op: "keepalive", Err: res.Err})
			return
		}
		log.Debug().Err(res.Err).Msg("keepalive ping failed")
	}
}

// emit delivers ev to the event sink, stamping session and time.
func (s *Session) emit(ev Event) {
	ev.Session = string(s.id)
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Events.Emit(ctx, ev); err != nil {
		log.Warn().
			Str("session", string(s.id)).
			Str("kind", string(ev.Kind)).
			Err(err).
			Msg("failed to emit event")
	}
}

// requireOnline returns a StateError unless the session is online.
func (s *Session) requireOnline(op string) error {
	if st := s.state.State(); st != StateOnline {
		return &StateError{Op: op, State: st}
	}
	return nil
}

// seal signs p when a signer is configured and marshals it.
func (s *Session) seal(ctx context.Context, p *MessagePacket) (string, error) {
	if s.opts.Signer != nil {
		if err := SignPacket(ctx, s.opts.Signer, p); err != nil {
			return "", err
		}
	}
	return p.Marshal()
}

// sendPacket seals p and sends it as the last argument of the command
// build returns.
func (s *Session) sendPacket(ctx context.Context, p *MessagePacket, build func(blob string) Command) error {
	blob, err := s.seal(ctx, p)
	if err != nil {
		return err
	}
	cmd := build(blob)
	return s.send(NewMessage(cmd), priorityFor(cmd))
}

// toNick returns a builder sending blob by PRIVMSG to nick.
func toNick(nick Nick) func(string) Command {
	return func(blob string) Command {
		return PrivMsgCommand{Recipients: []string{nick.String()}, Text: blob}
	}
}

// appCommand returns a builder for an application command with leading
// params followed by the packet.
func appCommand(name string, params ...string) func(string) Command {
	return func(blob string) Command {
		return OtherCommand{Command: name, Params: append(append([]string(nil), params...), blob)}
	}
}
