package ircsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkPackets cuts an encoded media file into download packets.
func chunkPackets(t *testing.T, transferID, messageID string, file *MediaFile, size int) []*MessagePacket {
	t.Helper()
	data, err := file.Marshal()
	require.NoError(t, err)
	var out []*MessagePacket
	for _, c := range SplitChunks(transferID, data, size) {
		p := NewPacket(PacketMultipartDownload)
		p.Sender = bob.String()
		p.Payload = c.Bytes
		p.Multipart = &MultipartFields{
			TransferID: transferID,
			MessageID:  messageID,
			PartNumber: c.PartNumber,
			TotalParts: c.TotalParts,
		}
		out = append(out, p)
	}
	return out
}

// TestSessionDownloadOutOfOrder verifies parts arriving in any order
// complete the transfer once, which is parked until its message exists.
func TestSessionDownloadOutOfOrder(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	file := NewMediaFile("photo.jpg", "image/jpeg", []byte("enc:a picture worth many bytes"))
	packets := chunkPackets(t, "t1", "m1", file, 16)
	require.GreaterOrEqual(t, len(packets), 3)

	order := []int{1, 0}
	for i := 2; i < len(packets); i++ {
		order = append(order, i)
	}
	// part 2, part 1, then a duplicate of part 2, then the rest
	h.server.sendApp(CmdMultipartMediaDownload, packets[order[0]])
	h.server.sendApp(CmdMultipartMediaDownload, packets[order[1]])
	h.server.sendApp(CmdMultipartMediaDownload, packets[order[0]])
	for _, i := range order[2:] {
		h.server.sendApp(CmdMultipartMediaDownload, packets[i])
	}

	_, ack := h.server.expectPacket(CmdMultipartMediaDownload)
	require.Equal(t, PacketAck, ack.Type)
	assert.Equal(t, AckMultipartReceived, ack.Ack.Kind)
	assert.Equal(t, "t1", ack.Ack.ID)

	h.events.waitEvent(t, EventTransferComplete, func(ev Event) bool { return ev.TransferID == "t1" })
	assert.Equal(t, 1, h.events.count(EventTransferComplete))
	assert.Equal(t, 1, h.pending.Len())
	assert.Empty(t, h.messages.Media("m1"))

	h.messages.AddMessage("m1")
	require.NoError(t, h.session.MessageCreated(context.Background(), "m1"))
	media := h.messages.Media("m1")
	require.Len(t, media, 1)
	assert.Equal(t, "photo.jpg", media[0].Name)
	assert.Equal(t, []byte("a picture worth many bytes"), media[0].Data)
	assert.Zero(t, h.pending.Len())
}

// TestSessionDownloadExistingMessage verifies media is written directly
// when the message already exists.
func TestSessionDownloadExistingMessage(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)
	h.messages.AddMessage("m2")

	file := NewMediaFile("note.txt", "text/plain", []byte("enc:hello"))
	for _, p := range chunkPackets(t, "t2", "m2", file, 1024) {
		h.server.sendApp(CmdMultipartMediaDownload, p)
	}
	h.server.expectPacket(CmdMultipartMediaDownload)
	require.Eventually(t, func() bool { return len(h.messages.Media("m2")) == 1 }, testTimeout, 5*time.Millisecond)
	assert.Zero(t, h.pending.Len())
}

// TestSessionDownloadDuplicateAfterCompletion verifies a part re-sent after
// its transfer completed is neither stored nor acknowledged again.
func TestSessionDownloadDuplicateAfterCompletion(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)
	h.messages.AddMessage("m5")

	file := NewMediaFile("once.txt", "text/plain", []byte("enc:once"))
	packets := chunkPackets(t, "t5", "m5", file, 1024)
	require.Len(t, packets, 1)

	h.server.sendApp(CmdMultipartMediaDownload, packets[0])
	h.server.expectPacket(CmdMultipartMediaDownload)
	h.server.sendApp(CmdMultipartMediaDownload, packets[0])
	h.server.expectNone(CmdMultipartMediaDownload, 150*time.Millisecond)

	assert.Len(t, h.messages.Media("m5"), 1)
	assert.Equal(t, 1, h.events.count(EventTransferComplete))
}

// TestSessionDownloadMissingSender verifies a relayed transfer without a
// sender fails instead of being decrypted for an unknown peer.
func TestSessionDownloadMissingSender(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)
	h.messages.AddMessage("m8")

	file := NewMediaFile("anon.txt", "text/plain", []byte("enc:who"))
	packets := chunkPackets(t, "t8", "m8", file, 1024)
	require.Len(t, packets, 1)
	packets[0].Sender = ""
	h.server.sendApp(CmdMultipartMediaDownload, packets[0])

	ev := h.events.waitEvent(t, EventTransferFailed, func(ev Event) bool { return ev.TransferID == "t8" })
	assert.Contains(t, ev.Error, "missing sender")
	assert.Empty(t, h.messages.Media("m8"))
	assert.Equal(t, 0, h.crypto.decryptCount())
}

// TestSessionDownloadChecksumMismatch verifies a corrupted transfer fails
// without being stored.
func TestSessionDownloadChecksumMismatch(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	file := NewMediaFile("x.bin", "", []byte("enc:payload"))
	file.Checksum[0] ^= 0xff
	for _, p := range chunkPackets(t, "t3", "m3", file, 1024) {
		h.server.sendApp(CmdMultipartMediaDownload, p)
	}
	ev := h.events.waitEvent(t, EventTransferFailed, func(ev Event) bool { return ev.TransferID == "t3" })
	assert.Contains(t, ev.Error, "checksum")
	assert.Zero(t, h.pending.Len())
}

// TestSessionDownloadProgress verifies partial transfers report progress.
func TestSessionDownloadProgress(t *testing.T) {
	h := newTestHarness(t, nil)
	h.online(t)

	file := NewMediaFile("big.bin", "", make([]byte, 100))
	packets := chunkPackets(t, "t4", "m4", file, 32)
	h.server.sendApp(CmdMultipartMediaDownload, packets[0])

	ev := h.events.waitEvent(t, EventTransferProgress, nil)
	assert.Equal(t, 1, ev.Received)
	assert.Equal(t, len(packets), ev.Total)
}

// TestSessionUploadMedia verifies an upload sends every part and returns
// the descriptor from the completion ack.
func TestSessionUploadMedia(t *testing.T) {
	cfg := testConfig()
	cfg.Multipart.MaxChunkSize = 8
	h := newTestHarness(t, cfg)
	h.online(t)

	file := NewMediaFile("a.txt", "text/plain", []byte("some file contents"))
	type result struct {
		desc *FileDescriptor
		err  error
	}
	done := make(chan result, 1)
	go func() {
		d, err := h.session.UploadMedia(context.Background(), "m5", file)
		done <- result{d, err}
	}()

	_, first := h.server.expectPacket(CmdMultipartMediaUpload)
	require.NotNil(t, first.Multipart)
	require.NotNil(t, first.Multipart.Descriptor)
	total := first.Multipart.TotalParts
	for i := 2; i <= total; i++ {
		_, p := h.server.expectPacket(CmdMultipartMediaUpload)
		assert.Equal(t, i, p.Multipart.PartNumber)
	}

	ack := NewAckPacket(first.Multipart.TransferID, AckMultipartUploadComplete)
	ack.Ack.OK = true
	ack.Ack.File = first.Multipart.Descriptor
	h.server.sendApp(CmdMultipartMediaUpload, ack)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, first.Multipart.TransferID, r.desc.TransferID)
	assert.Equal(t, "m5", r.desc.MessageID)
	assert.Equal(t, total, r.desc.Parts)
}

// TestSessionAutoDownload verifies a shared asset is fetched only when it
// is small enough.
func TestSessionAutoDownload(t *testing.T) {
	cfg := testConfig()
	cfg.Multipart.AutoDownloadMaxBytes = 1000
	h := newTestHarness(t, cfg)
	h.online(t)

	large := NewAckPacket("big", AckMultipartUploadComplete)
	large.Ack.OK = true
	large.Ack.File = &FileDescriptor{TransferID: "big", Size: 5000, Parts: 2}
	h.server.sendPacket(bob.String(), h.session.Nick(), large)
	h.server.expectNone(CmdMultipartMediaDownload, 100*time.Millisecond)

	small := NewAckPacket("small", AckMultipartUploadComplete)
	small.Ack.OK = true
	small.Ack.File = &FileDescriptor{TransferID: "small", MessageID: "m6", Size: 10, Parts: 1}
	h.server.sendPacket(bob.String(), h.session.Nick(), small)

	_, req := h.server.expectPacket(CmdMultipartMediaDownload)
	require.NotNil(t, req.Multipart)
	assert.Equal(t, "small", req.Multipart.TransferID)
	assert.Equal(t, "m6", req.Multipart.MessageID)
}

// TestSessionMessageCreatedOffline verifies pending media can be flushed
// without a connection.
func TestSessionMessageCreatedOffline(t *testing.T) {
	h := newTestHarness(t, nil)
	require.NoError(t, h.pending.Enqueue(context.Background(), PendingMedia{
		MessageID:  "m7",
		TransferID: "t7",
		File:       NewMediaFile("f", "", []byte("x")),
	}))
	require.NoError(t, h.session.MessageCreated(context.Background(), "m7"))
	assert.Len(t, h.messages.Media("m7"), 1)
}
