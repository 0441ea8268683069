package ircsession

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DeliveryConfig controls outbound message tracking.
type DeliveryConfig struct {
	// Expiry drops tracked messages that never got a message-sent ack.
	// Default: 2 minutes
	Expiry time.Duration `yaml:"expiry"`
}

// DefaultDeliveryConfig returns the default delivery configuration.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{Expiry: 2 * time.Minute}
}

// DeliveryStats tracks message delivery statistics.
type DeliveryStats struct {
	TotalSent         uint64 // Messages handed to the writer
	TotalDelivered    uint64 // Messages acknowledged as sent
	TotalExpired      uint64 // Messages dropped without an ack
	TotalUnknownAcks  uint64 // Acks for ids that were not tracked
	AvgDeliveryTimeMs int64  // Moving average ack latency
	LastDeliveryMs    int64  // Latency of the latest ack
}

// pendingDelivery is one outbound message awaiting its ack.
type pendingDelivery struct {
	id        string
	recipient Nick
	sentAt    time.Time
	size      int
}

// deliveryTracker correlates outbound plain messages with their
// message-sent acknowledgments. Delivery is at-most-once per attempt; the
// tracker only reports, it never resends.
type deliveryTracker struct {
	mu      sync.RWMutex
	pending map[string]*pendingDelivery
	stats   DeliveryStats
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{pending: make(map[string]*pendingDelivery)}
}

// Track registers an outbound message.
func (t *deliveryTracker) Track(id string, recipient Nick, size int) {
	t.mu.Lock()
	t.pending[id] = &pendingDelivery{id: id, recipient: recipient, sentAt: time.Now(), size: size}
	t.mu.Unlock()
	atomic.AddUint64(&t.stats.TotalSent, 1)

	log.Trace().
		Str("id", id).
		Str("recipient", recipient.String()).
		Int("size", size).
		Msg("tracking outgoing message")
}

// Acknowledge resolves a tracked message and returns its latency.
func (t *deliveryTracker) Acknowledge(id string) (time.Duration, bool) {
	t.mu.Lock()
	info, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		atomic.AddUint64(&t.stats.TotalUnknownAcks, 1)
		log.Trace().Str("id", id).Msg("ack for untracked message")
		return 0, false
	}

	latency := time.Since(info.sentAt)
	atomic.AddUint64(&t.stats.TotalDelivered, 1)
	atomic.StoreInt64(&t.stats.LastDeliveryMs, latency.Milliseconds())
	avg := atomic.LoadInt64(&t.stats.AvgDeliveryTimeMs)
	atomic.StoreInt64(&t.stats.AvgDeliveryTimeMs, (avg*7+latency.Milliseconds())/8)

	log.Debug().
		Str("id", id).
		Str("recipient", info.recipient.String()).
		Dur("latency", latency).
		Msg("message acknowledged")
	return latency, true
}

// Stats returns a copy of the current statistics.
func (t *deliveryTracker) Stats() DeliveryStats {
	return DeliveryStats{
		TotalSent:         atomic.LoadUint64(&t.stats.TotalSent),
		TotalDelivered:    atomic.LoadUint64(&t.stats.TotalDelivered),
		TotalExpired:      atomic.LoadUint64(&t.stats.TotalExpired),
		TotalUnknownAcks:  atomic.LoadUint64(&t.stats.TotalUnknownAcks),
		AvgDeliveryTimeMs: atomic.LoadInt64(&t.stats.AvgDeliveryTimeMs),
		LastDeliveryMs:    atomic.LoadInt64(&t.stats.LastDeliveryMs),
	}
}

// PendingCount returns the number of messages awaiting an ack.
func (t *deliveryTracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// CleanupExpired removes messages older than maxAge and returns their ids.
func (t *deliveryTracker) CleanupExpired(maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, info := range t.pending {
		if now.Sub(info.sentAt) > maxAge {
			delete(t.pending, id)
			expired = append(expired, id)
			atomic.AddUint64(&t.stats.TotalExpired, 1)

			log.Warn().
				Str("id", id).
				Str("recipient", info.recipient.String()).
				Dur("age", now.Sub(info.sentAt)).
				Msg("message expired without ack")
		}
	}
	return expired
}

// Clear drops every pending entry.
func (t *deliveryTracker) Clear() {
	t.mu.Lock()
	t.pending = make(map[string]*pendingDelivery)
	t.mu.Unlock()
}
