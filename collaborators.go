package ircsession

import (
	"context"
	"sync"
	"time"
)

// Crypto is the encryption and session engine that owns message payloads.
type Crypto interface {
	Encrypt(ctx context.Context, recipient Nick, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, sender Nick, ciphertext []byte) ([]byte, error)
	// ReceiveMessage hands an inbound plain message packet to the engine.
	ReceiveMessage(ctx context.Context, sender Nick, p *MessagePacket) error
	ListContacts(ctx context.Context) ([]Nick, error)
	AddDevice(ctx context.Context, config []byte) error
}

// MessageStore is the local message database.
type MessageStore interface {
	MessageExists(ctx context.Context, messageID string) (bool, error)
	WriteMedia(ctx context.Context, messageID string, file *MediaFile) error
}

// PendingMedia is a completed transfer whose owning message has not been
// created locally yet.
type PendingMedia struct {
	MessageID  string
	TransferID string
	File       *MediaFile
	QueuedAt   time.Time
}

// PendingMediaStore parks completed transfers until their message appears.
type PendingMediaStore interface {
	Enqueue(ctx context.Context, pm PendingMedia) error
	// Take removes and returns every entry queued for messageID.
	Take(ctx context.Context, messageID string) ([]PendingMedia, error)
}

// ReplayGuard records processed packet ids.
type ReplayGuard interface {
	// MarkSeen records id and reports whether it had been seen before.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget removes id so a failed packet can be processed again.
	Forget(ctx context.Context, id string) error
}

// EventKind names an Event.
type EventKind string

// Events emitted to the UI sink.
const (
	EventStateChanged          EventKind = "state_changed"
	EventPresence              EventKind = "presence"
	EventDelivery              EventKind = "delivery"
	EventDeviceRegistryRequest EventKind = "device_registry_request"
	EventDeviceAdded           EventKind = "device_added"
	EventContactRemoved        EventKind = "contact_removed"
	EventTransferProgress      EventKind = "transfer_progress"
	EventTransferComplete      EventKind = "transfer_complete"
	EventTransferFailed        EventKind = "transfer_failed"
	EventChannel               EventKind = "channel"
	EventMOTD                  EventKind = "motd"
	EventError                 EventKind = "error"
)

// Delivery states reported with EventDelivery.
const (
	DeliverySent      = "sent"
	DeliveryReceived  = "received"
	DeliveryDisplayed = "displayed"
	DeliveryExpired   = "expired"
)

// Event is a notification for the UI layer.
type Event struct {
	Kind       EventKind `json:"kind"`
	Session    string    `json:"session,omitempty"`
	At         time.Time `json:"at"`
	Nick       string    `json:"nick,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Online     bool      `json:"online,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Received   int       `json:"received,omitempty"`
	Total      int       `json:"total,omitempty"`
	Text       string    `json:"text,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventSink receives UI notifications.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopEventSink discards events.
type NopEventSink struct{}

// Emit implements EventSink.
func (NopEventSink) Emit(context.Context, Event) error { return nil }

// NopCrypto passes payloads through unchanged and knows no contacts.
type NopCrypto struct{}

func (NopCrypto) Encrypt(_ context.Context, _ Nick, b []byte) ([]byte, error) { return b, nil }
func (NopCrypto) Decrypt(_ context.Context, _ Nick, b []byte) ([]byte, error) { return b, nil }
func (NopCrypto) ReceiveMessage(context.Context, Nick, *MessagePacket) error  { return nil }
func (NopCrypto) ListContacts(context.Context) ([]Nick, error)                { return nil, nil }
func (NopCrypto) AddDevice(context.Context, []byte) error                     { return nil }

// MemoryMessageStore keeps messages and media in memory.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string]bool
	media    map[string][]*MediaFile
}

// NewMemoryMessageStore returns an empty store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]bool),
		media:    make(map[string][]*MediaFile),
	}
}

// AddMessage marks messageID as existing.
func (s *MemoryMessageStore) AddMessage(messageID string) {
	s.mu.Lock()
	s.messages[messageID] = true
	s.mu.Unlock()
}

func (s *MemoryMessageStore) MessageExists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[messageID], nil
}

func (s *MemoryMessageStore) WriteMedia(_ context.Context, messageID string, file *MediaFile) error {
	s.mu.Lock()
	s.media[messageID] = append(s.media[messageID], file)
	s.mu.Unlock()
	return nil
}

// Media returns the files written for messageID.
func (s *MemoryMessageStore) Media(messageID string) []*MediaFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MediaFile(nil), s.media[messageID]...)
}

// MemoryPendingStore is the in-process PendingMediaStore.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string][]PendingMedia
}

// NewMemoryPendingStore returns an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{pending: make(map[string][]PendingMedia)}
}

func (s *MemoryPendingStore) Enqueue(_ context.Context, pm PendingMedia) error {
	s.mu.Lock()
	s.pending[pm.MessageID] = append(s.pending[pm.MessageID], pm)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Take(_ context.Context, messageID string) ([]PendingMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending[messageID]
	delete(s.pending, messageID)
	return out, nil
}

// Len returns the number of queued entries.
func (s *MemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.pending {
		n += len(v)
	}
	return n
}

// MemoryReplayGuard remembers ids for a bounded time.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryReplayGuard returns a guard that forgets ids after ttl.
func NewMemoryReplayGuard(ttl time.Duration) *MemoryReplayGuard {
	return &MemoryReplayGuard{ttl: ttl, seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) MarkSeen(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if at, ok := g.seen[id]; ok && (g.ttl <= 0 || now.Sub(at) < g.ttl) {
		return true, nil
	}
	g.seen[id] = now
	if len(g.seen)%256 == 0 {
		g.pruneLocked(now)
	}
	return false, nil
}

func (g *MemoryReplayGuard) Forget(_ context.Context, id string) error {
	g.mu.Lock()
	delete(g.seen, id)
	g.mu.Unlock()
	return nil
}

func (g *MemoryReplayGuard) pruneLocked(now time.Time) {
	if g.ttl <= 0 {
		return
	}
	for id, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, id)
		}
	}
}
