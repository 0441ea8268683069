package ircsession

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// MultipartConfig holds reassembly limits.
type MultipartConfig struct {
	// TransferTTL drops incomplete transfers that received nothing for this long.
	// Default: 5 minutes
	TransferTTL time.Duration `yaml:"transfer_ttl"`

	// MaxParts bounds TotalParts of a single transfer.
	// Default: 4096
	MaxParts int `yaml:"max_parts"`

	// MaxChunkSize bounds the bytes of a single part.
	// Default: 32KB
	MaxChunkSize int `yaml:"max_chunk_size"`

	// AutoDownloadMaxBytes is the largest asset fetched automatically after
	// an upload-complete acknowledgment. Zero disables auto-download.
	// Default: 5MB
	AutoDownloadMaxBytes int64 `yaml:"auto_download_max_bytes"`
}

// DefaultMultipartConfig returns the default multipart configuration.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{
		TransferTTL:          5 * time.Minute,
		MaxParts:             4096,
		MaxChunkSize:         32 * 1024,
		AutoDownloadMaxBytes: 5 * 1024 * 1024,
	}
}

// MultipartChunk is one numbered part of a transfer.
type MultipartChunk struct {
	TransferID string
	PartNumber int
	TotalParts int
	Bytes      []byte
}

// MediaFile is the typed payload a completed transfer decodes to.
type MediaFile struct {
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType,omitempty"`
	Data      []byte `msgpack:"data"`
	Thumbnail []byte `msgpack:"thumbnail,omitempty"`
	Checksum  []byte `msgpack:"checksum,omitempty"`
}

// NewMediaFile returns a file with its BLAKE2b-256 checksum filled in.
func NewMediaFile(name, mimeType string, data []byte) *MediaFile {
	sum := blake2b.Sum256(data)
	return &MediaFile{Name: name, MimeType: mimeType, Data: data, Checksum: sum[:]}
}

// Marshal encodes the file for transfer.
func (f *MediaFile) Marshal() ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeMediaFile parses a reassembled payload and verifies its checksum
// when one is present.
func DecodeMediaFile(data []byte) (*MediaFile, error) {
	var f MediaFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode media file: %w", err)
	}
	if len(f.Checksum) > 0 {
		sum := blake2b.Sum256(f.Data)
		if !bytes.Equal(sum[:], f.Checksum) {
			return nil, &ProtocolError{Op: "media", Msg: fmt.Sprintf("checksum mismatch for %q", f.Name)}
		}
	}
	return &f, nil
}

// SplitChunks cuts data into numbered parts of at most size bytes.
func SplitChunks(transferID string, data []byte, size int) []MultipartChunk {
	if size <= 0 {
		size = DefaultMultipartConfig().MaxChunkSize
	}
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	chunks := make([]MultipartChunk, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, MultipartChunk{
			TransferID: transferID,
			PartNumber: i + 1,
			TotalParts: total,
			Bytes:      data[i*size : end],
		})
	}
	return chunks
}

// transfer is the reassembly state of one transferId.
type transfer struct {
	total    int
	parts    map[int][]byte
	bytes    int
	lastSeen time.Time
}

// maxCompletedTransfers bounds how many finished transfer ids are remembered.
const maxCompletedTransfers = 1024

// Reassembler rebuilds transfers from parts that may arrive in any order.
// It is owned by a single session context and is not safe for concurrent use.
type Reassembler struct {
	config    MultipartConfig
	transfers map[string]*transfer
	// completed holds finished transfer ids and when they finished.
	completed map[string]time.Time
	now       func() time.Time
}

// NewReassembler returns an empty reassembler.
func NewReassembler(config MultipartConfig) *Reassembler {
	return &Reassembler{
		config:    config,
		transfers: make(map[string]*transfer),
		completed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Add stores a chunk. A transfer completes exactly when parts 1..TotalParts
// have all been received; the concatenated bytes are then returned once.
// Repeated part numbers are ignored, including parts of a transfer that
// already completed.
func (r *Reassembler) Add(c MultipartChunk) ([]byte, bool, error) {
	if err := r.validate(c); err != nil {
		return nil, false, err
	}
	if _, done := r.completed[c.TransferID]; done {
		log.Debug().
			Str("transfer", c.TransferID).
			Int("part", c.PartNumber).
			Msg("ignoring part of completed transfer")
		return nil, false, nil
	}
	t, ok := r.transfers[c.TransferID]
	if !ok {
		t = &transfer{total: c.TotalParts, parts: make(map[int][]byte, c.TotalParts)}
		r.transfers[c.TransferID] = t
	} else if t.total != c.TotalParts {
		return nil, false, &ProtocolError{
			Op:  "multipart",
			Msg: fmt.Sprintf("transfer %s: total parts changed from %d to %d", c.TransferID, t.total, c.TotalParts),
		}
	}
	t.lastSeen = r.now()

	if _, dup := t.parts[c.PartNumber]; dup {
		log.Debug().
			Str("transfer", c.TransferID).
			Int("part", c.PartNumber).
			Msg("ignoring duplicate part")
		return nil, false, nil
	}
	t.parts[c.PartNumber] = append([]byte(nil), c.Bytes...)
	t.bytes += len(c.Bytes)

	if len(t.parts) < t.total {
		return nil, false, nil
	}

	out := make([]byte, 0, t.bytes)
	for i := 1; i <= t.total; i++ {
		out = append(out, t.parts[i]...)
	}
	delete(r.transfers, c.TransferID)
	r.markCompleted(c.TransferID)
	log.Debug().
		Str("transfer", c.TransferID).
		Int("parts", t.total).
		Int("bytes", len(out)).
		Msg("transfer reassembled")
	return out, true, nil
}

func (r *Reassembler) markCompleted(id string) {
	if len(r.completed) >= maxCompletedTransfers {
		var oldestID string
		var oldest time.Time
		for cid, at := range r.completed {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = cid, at
			}
		}
		delete(r.completed, oldestID)
	}
	r.completed[id] = r.now()
}

// Completed reports whether transferID finished and is still remembered.
func (r *Reassembler) Completed(transferID string) bool {
	_, ok := r.completed[transferID]
	return ok
}

// Forget drops every trace of transferID so it can be received again.
func (r *Reassembler) Forget(transferID string) {
	delete(r.transfers, transferID)
	delete(r.completed, transferID)
}

func (r *Reassembler) validate(c MultipartChunk) error {
	switch {
	case c.TransferID == "":
		return &ProtocolError{Op: "multipart", Msg: "missing transfer id"}
	case c.TotalParts < 1 || (r.config.MaxParts > 0 && c.TotalParts > r.config.MaxParts):
		return &ProtocolError{Op: "multipart", Msg: fmt.Sprintf("total parts %d out of range", c.TotalParts)}
	case c.PartNumber < 1 || c.PartNumber > c.TotalParts:
		return &ProtocolError{Op: "multipart", Msg: fmt.Sprintf("part %d outside 1..%d", c.PartNumber, c.TotalParts)}
	case r.config.MaxChunkSize > 0 && len(c.Bytes) > r.config.MaxChunkSize:
		return &ProtocolError{Op: "multipart", Msg: fmt.Sprintf("part of %d bytes exceeds %d", len(c.Bytes), r.config.MaxChunkSize)}
	}
	return nil
}

// Progress returns how many parts of a transfer have arrived.
func (r *Reassembler) Progress(transferID string) (received, total int, ok bool) {
	t, ok := r.transfers[transferID]
	if !ok {
		return 0, 0, false
	}
	return len(t.parts), t.total, true
}

// Expire drops transfers idle for longer than TransferTTL and returns their
// ids. Completed ids older than TransferTTL are forgotten silently.
func (r *Reassembler) Expire() []string {
	if r.config.TransferTTL <= 0 {
		return nil
	}
	now := r.now()
	for id, at := range r.completed {
		if now.Sub(at) > r.config.TransferTTL {
			delete(r.completed, id)
		}
	}
	var expired []string
	for id, t := range r.transfers {
		if now.Sub(t.lastSeen) > r.config.TransferTTL {
			delete(r.transfers, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Reset forgets every incomplete transfer. Completed ids are kept so parts
// re-sent after a reconnect are still ignored.
func (r *Reassembler) Reset() {
	r.transfers = make(map[string]*transfer)
}

// Len returns the number of incomplete transfers.
func (r *Reassembler) Len() int { return len(r.transfers) }
