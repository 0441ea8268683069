package ircsession

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

// fakeServer is the server end of an in-memory connection. It records
// every line the client writes and lets a test script replies.
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan *Message
	raw   chan string

	writeMu sync.Mutex
}

// newFakeServer returns a server and a Dialer that connects to it. Each
// dial replaces the server's connection.
func newFakeServer(t *testing.T) (*fakeServer, Dialer) {
	t.Helper()
	fs := &fakeServer{t: t}
	var mu sync.Mutex
	dial := func(ctx context.Context, _ ServerConfig) (net.Conn, error) {
		client, server := net.Pipe()
		mu.Lock()
		defer mu.Unlock()
		fs.attach(server)
		return client, nil
	}
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if fs.conn != nil {
			_ = fs.conn.Close()
		}
	})
	return fs, dial
}

func (fs *fakeServer) attach(conn net.Conn) {
	fs.writeMu.Lock()
	fs.conn = conn
	fs.lines = make(chan *Message, 1024)
	fs.raw = make(chan string, 1024)
	lines, raw := fs.lines, fs.raw
	fs.writeMu.Unlock()

	go func() {
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			raw <- line
			m, err := Decode(line)
			if err != nil {
				continue
			}
			lines <- m
		}
	}()
}

func (fs *fakeServer) current() (net.Conn, chan *Message) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	return fs.conn, fs.lines
}

// expect returns the next client line with the given command name, skipping
// any others. It follows the connection across redials.
func (fs *fakeServer) expect(name string) *Message {
	fs.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		_, lines := fs.current()
		select {
		case m := <-lines:
			if m.Command.Name() == name {
				return m
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	fs.t.Fatalf("timed out waiting for %s from client", name)
	return nil
}

// expectNone fails if a line with the command name arrives within d.
func (fs *fakeServer) expectNone(name string, d time.Duration) {
	fs.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		_, lines := fs.current()
		select {
		case m := <-lines:
			if m.Command.Name() == name {
				fs.t.Fatalf("unexpected %s from client: %v", name, m.Arguments)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// expectPacket waits for a command carrying a packet and decodes it.
func (fs *fakeServer) expectPacket(name string) (*Message, *MessagePacket) {
	fs.t.Helper()
	m := fs.expect(name)
	p, err := UnmarshalPacket(m.LastArgument())
	require.NoError(fs.t, err)
	return m, p
}

// send writes one raw line to the client.
func (fs *fakeServer) send(line string) {
	fs.t.Helper()
	conn, _ := fs.current()
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(fs.t, err)
}

// sendMessage encodes and writes m.
func (fs *fakeServer) sendMessage(m *Message) {
	fs.t.Helper()
	line, err := Encode(m)
	require.NoError(fs.t, err)
	fs.send(strings.TrimRight(line, "\r\n"))
}

// sendPacket writes p as the last argument of PRIVMSG from origin.
func (fs *fakeServer) sendPacket(origin string, to Nick, p *MessagePacket) {
	fs.t.Helper()
	blob, err := p.Marshal()
	require.NoError(fs.t, err)
	m := NewMessage(PrivMsgCommand{Recipients: []string{to.String()}, Text: blob})
	m.Origin = origin
	fs.sendMessage(m)
}

// sendApp writes p as the last argument of an application command.
func (fs *fakeServer) sendApp(command string, p *MessagePacket) {
	fs.t.Helper()
	blob, err := p.Marshal()
	require.NoError(fs.t, err)
	m := NewMessage(OtherCommand{Command: command, Params: []string{blob}})
	m.Origin = "irc.test"
	fs.sendMessage(m)
}

// ack sends an OK acknowledgment of kind for id from the server.
func (fs *fakeServer) ack(to Nick, id string, kind AckKind, ok bool) {
	fs.t.Helper()
	p := NewAckPacket(id, kind)
	p.Ack.OK = ok
	fs.sendPacket("irc.test", to, p)
}

func (fs *fakeServer) disconnect() {
	conn, _ := fs.current()
	_ = conn.Close()
}

// eventRecorder is an EventSink that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) find(kind EventKind, match func(Event) bool) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && (match == nil || match(ev)) {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// waitEvent waits for an event of kind satisfying match.
func (r *eventRecorder) waitEvent(t *testing.T, kind EventKind, match func(Event) bool) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		ev, ok := r.find(kind, match)
		found = ev
		return ok
	}, testTimeout, 5*time.Millisecond, "no %s event", kind)
	return found
}

// fakeCrypto records what the session hands to the encryption engine.
type fakeCrypto struct {
	mu       sync.Mutex
	received []*MessagePacket
	devices  [][]byte
	contacts []Nick
	failNext bool
	// decrypted records the peer of every Decrypt call.
	decrypted []Nick
}

func (c *fakeCrypto) Encrypt(_ context.Context, _ Nick, b []byte) ([]byte, error) {
	return append([]byte("enc:"), b...), nil
}

func (c *fakeCrypto) Decrypt(_ context.Context, peer Nick, b []byte) ([]byte, error) {
	c.mu.Lock()
	c.decrypted = append(c.decrypted, peer)
	c.mu.Unlock()
	return []byte(strings.TrimPrefix(string(b), "enc:")), nil
}

func (c *fakeCrypto) ReceiveMessage(_ context.Context, _ Nick, p *MessagePacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errTestCrypto
	}
	c.received = append(c.received, p)
	return nil
}

func (c *fakeCrypto) ListContacts(context.Context) ([]Nick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Nick(nil), c.contacts...), nil
}

func (c *fakeCrypto) AddDevice(_ context.Context, config []byte) error {
	c.mu.Lock()
	c.devices = append(c.devices, config)
	c.mu.Unlock()
	return nil
}

func (c *fakeCrypto) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func (c *fakeCrypto) decryptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.decrypted)
}

var errTestCrypto = &ProtocolError{Op: "test", Msg: "crypto failure"}

// testHarness bundles a session with its fake server and collaborators.
type testHarness struct {
	session  *Session
	server   *fakeServer
	events   *eventRecorder
	crypto   *fakeCrypto
	messages *MemoryMessageStore
	pending  *MemoryPendingStore
}

// testConfig returns a config with timers shortened for tests.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Addr = "irc.test:6697"
	cfg.Identity.Nick = "alice:phone"
	cfg.Ping.KeepaliveInterval = 0
	cfg.Ping.PongDelay = 0
	cfg.Ping.PingTimeout = time.Second
	cfg.Correlator = CorrelatorConfig{
		KeyBundleTimeout:      time.Second,
		PublishTimeout:        time.Second,
		RegistrationTimeout:   time.Second,
		DeviceRegistryTimeout: time.Second,
		UploadTimeout:         time.Second,
		QuitTimeout:           200 * time.Millisecond,
	}
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	return cfg
}

func newTestHarness(t *testing.T, cfg *Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	fs, dial := newFakeServer(t)
	h := &testHarness{
		server:   fs,
		events:   &eventRecorder{},
		crypto:   &fakeCrypto{},
		messages: NewMemoryMessageStore(),
		pending:  NewMemoryPendingStore(),
	}
	s, err := NewSession("test", cfg, Options{
		Crypto:   h.crypto,
		Messages: h.messages,
		Pending:  h.pending,
		Events:   h.events,
		Dialer:   dial,
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(s.Close)
	return h
}

// acceptRegistration waits for the registration NICK and acks it.
func (h *testHarness) acceptRegistration(t *testing.T) *MessagePacket {
	t.Helper()
	nick := h.server.expect("NICK")
	blob, ok := nick.Tag(TagRegistrationPacket)
	require.True(t, ok)
	reg, err := UnmarshalPacket(blob)
	require.NoError(t, err)
	require.Equal(t, PacketRegistration, reg.Type)
	h.server.ack(h.session.Nick(), reg.ID, AckRegistered, true)
	return reg
}

// online connects and registers the session against the fake server.
func (h *testHarness) online(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.session.Connect(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Register(ctx, []byte("jwt")) }()

	h.acceptRegistration(t)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("register did not return")
	}
	h.server.expect("USER")
	require.Equal(t, StateOnline, h.session.State())
}
