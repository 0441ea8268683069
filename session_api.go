package ircsession

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// SendMessage encrypts plaintext for to and sends it as a message packet.
// It returns the packet id; delivery is reported by EventDelivery once the
// server acknowledges it.
func (s *Session) SendMessage(ctx context.Context, to Nick, plaintext []byte, push PushType) (string, error) {
	if err := s.requireOnline("send message"); err != nil {
		return "", err
	}
	ciphertext, err := s.opts.Crypto.Encrypt(ctx, to, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", to, err)
	}
	p := NewPacket(PacketMessage)
	p.PushType = push
	p.Sender = s.nick.String()
	p.Recipient = to.String()
	p.Payload = ciphertext
	if err := s.sendPacket(ctx, p, toNick(to)); err != nil {
		return "", err
	}
	s.delivery.Track(p.ID, to, len(ciphertext))
	return p.ID, nil
}

// SendReadReceipt tells to that messageID reached state.
func (s *Session) SendReadReceipt(ctx context.Context, to Nick, messageID string, state ReceiptState) error {
	if err := s.requireOnline("read receipt"); err != nil {
		return err
	}
	p := NewPacket(PacketReadReceipt)
	p.Sender = s.nick.String()
	p.Recipient = to.String()
	p.ReadReceipt = &ReadReceipt{MessageID: messageID, State: state, At: p.CreatedAt}
	return s.sendPacket(ctx, p, toNick(to))
}

// PublishKeyBundle uploads this device's key bundle and waits for the
// server to confirm it.
func (s *Session) PublishKeyBundle(ctx context.Context, bundle []byte) error {
	if err := s.requireOnline("publish key bundle"); err != nil {
		return err
	}
	p := NewPacket(PacketPublishKeyBundle)
	p.Sender = s.nick.String()
	p.Payload = bundle
	_, err := s.correlator.Await(ctx, "publishKeyBundle", p.ID, s.config.Correlator.PublishTimeout, func() error {
		return s.sendPacket(ctx, p, appCommand(CmdPublishKeyBundle))
	})
	return err
}

// ReadKeyBundle fetches the published key bundle of user, which may be a
// bare name or a name:deviceId nick.
func (s *Session) ReadKeyBundle(ctx context.Context, user string) ([]byte, error) {
	if err := s.requireOnline("read key bundle"); err != nil {
		return nil, err
	}
	if user == "" {
		return nil, fmt.Errorf("read key bundle: empty user")
	}
	p := NewPacket(PacketReadKeyBundle)
	p.Sender = s.nick.String()
	p.Recipient = user
	reply, err := s.correlator.Await(ctx, "readKeyBundle", p.ID, s.config.Correlator.KeyBundleTimeout, func() error {
		return s.sendPacket(ctx, p, appCommand(CmdReadKeyBundle, user))
	})
	if err != nil {
		return nil, err
	}
	return reply.Packet.Payload, nil
}

// PublishBlob uploads an opaque blob ahead of queued normal traffic and
// waits for the server's acknowledgment.
func (s *Session) PublishBlob(ctx context.Context, blob []byte) (string, error) {
	if err := s.requireOnline("publish blob"); err != nil {
		return "", err
	}
	p := NewPacket(PacketPublishBlob)
	p.Sender = s.nick.String()
	p.Payload = blob
	_, err := s.correlator.Await(ctx, "publishBlob", p.ID, s.config.Correlator.PublishTimeout, func() error {
		return s.sendPacket(ctx, p, appCommand(CmdPublishBlob))
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// RegisterPushToken hands the server a push notification token.
func (s *Session) RegisterPushToken(ctx context.Context, token string) error {
	if err := s.requireOnline("register push token"); err != nil {
		return err
	}
	p := NewPacket(PacketRegisterPushToken)
	p.Sender = s.nick.String()
	p.Payload = []byte(token)
	return s.sendPacket(ctx, p, appCommand(CmdRegisterPushToken))
}

// RequestDeviceRegistry asks master, an already registered device of the
// same account, to admit this device. It waits for the answer and installs
// the returned device configuration with the encryption engine.
func (s *Session) RequestDeviceRegistry(ctx context.Context, master Nick, request []byte) ([]byte, error) {
	if err := s.requireOnline("request device registry"); err != nil {
		return nil, err
	}
	p := NewPacket(PacketRequestDeviceRegistry)
	p.Sender = s.nick.String()
	p.Recipient = master.String()
	p.Payload = request
	reply, err := s.correlator.Await(ctx, "deviceRegistry", p.ID, s.config.Correlator.DeviceRegistryTimeout, func() error {
		return s.sendPacket(ctx, p, toNick(master))
	})
	if err != nil {
		return nil, err
	}
	config := reply.Packet.Payload
	if err := s.opts.Crypto.AddDevice(ctx, config); err != nil {
		return nil, fmt.Errorf("install device config: %w", err)
	}
	return config, nil
}

// AcceptDeviceRegistry answers requestID from device with its configuration.
func (s *Session) AcceptDeviceRegistry(ctx context.Context, device Nick, requestID string, config []byte) error {
	if err := s.requireOnline("accept device registry"); err != nil {
		return err
	}
	p := NewReplyPacket(PacketAcceptDeviceRegistry, requestID)
	p.Sender = s.nick.String()
	p.Recipient = device.String()
	p.Payload = config
	return s.sendPacket(ctx, p, toNick(device))
}

// RejectDeviceRegistry refuses requestID from device.
func (s *Session) RejectDeviceRegistry(ctx context.Context, device Nick, requestID, reason string) error {
	if err := s.requireOnline("reject device registry"); err != nil {
		return err
	}
	p := NewReplyPacket(PacketRejectDeviceRegistry, requestID)
	p.Sender = s.nick.String()
	p.Recipient = device.String()
	p.Payload = []byte(reason)
	return s.sendPacket(ctx, p, toNick(device))
}

// NotifyNewDevice announces a device configuration to every contact.
func (s *Session) NotifyNewDevice(ctx context.Context, device []byte) error {
	return s.broadcast(ctx, "notify new device", PacketNewDevice, device)
}

// NotifyContactRemoval tells contact it was removed.
func (s *Session) NotifyContactRemoval(ctx context.Context, contact Nick) error {
	if err := s.requireOnline("contact removal"); err != nil {
		return err
	}
	p := NewPacket(PacketContactRemoval)
	p.Sender = s.nick.String()
	p.Recipient = contact.String()
	return s.sendPacket(ctx, p, toNick(contact))
}

func (s *Session) broadcast(ctx context.Context, op string, t PacketType, payload []byte) error {
	if err := s.requireOnline(op); err != nil {
		return err
	}
	contacts, err := s.opts.Crypto.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("%s: list contacts: %w", op, err)
	}
	for _, c := range contacts {
		p := NewPacket(t)
		p.Sender = s.nick.String()
		p.Recipient = c.String()
		p.Payload = payload
		if err := s.sendPacket(ctx, p, toNick(c)); err != nil {
			return fmt.Errorf("%s to %s: %w", op, c, err)
		}
	}
	return nil
}

// UploadMedia splits file into parts, sends them, and waits for the
// server's upload-complete acknowledgment. The returned descriptor is what
// recipients use to download the asset.
func (s *Session) UploadMedia(ctx context.Context, messageID string, file *MediaFile) (*FileDescriptor, error) {
	if err := s.requireOnline("upload media"); err != nil {
		return nil, err
	}
	data, err := file.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}
	transferID := uuid.NewString()
	chunks := SplitChunks(transferID, data, s.config.Multipart.MaxChunkSize)
	desc := &FileDescriptor{
		TransferID: transferID,
		MessageID:  messageID,
		Name:       file.Name,
		MimeType:   file.MimeType,
		Size:       int64(len(data)),
		Parts:      len(chunks),
		Checksum:   file.Checksum,
	}

	reply, err := s.correlator.Await(ctx, "upload", transferID, s.config.Correlator.UploadTimeout, func() error {
		for _, c := range chunks {
			p := NewPacket(PacketMultipartUpload)
			p.Sender = s.nick.String()
			p.Payload = c.Bytes
			p.Multipart = &MultipartFields{
				TransferID: transferID,
				MessageID:  messageID,
				PartNumber: c.PartNumber,
				TotalParts: c.TotalParts,
			}
			if c.PartNumber == 1 {
				p.Multipart.Descriptor = desc
			}
			if err := s.sendPacket(ctx, p, appCommand(CmdMultipartMediaUpload)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reply.Ack != nil && reply.Ack.File != nil {
		return reply.Ack.File, nil
	}
	return desc, nil
}

// DownloadMedia asks the server to stream an asset. Parts arrive
// asynchronously; completion is reported with EventTransferComplete.
// Downloading an asset received earlier fetches it again.
func (s *Session) DownloadMedia(ctx context.Context, desc FileDescriptor) error {
	if err := s.requireOnline("download media"); err != nil {
		return err
	}
	if err := s.do(ctx, func() { s.reassembler.Forget(desc.TransferID) }); err != nil {
		return err
	}
	return s.requestDownload(ctx, desc)
}

// ListBucket returns the descriptors of assets stored for this account.
func (s *Session) ListBucket(ctx context.Context) ([]FileDescriptor, error) {
	if err := s.requireOnline("list bucket"); err != nil {
		return nil, err
	}
	p := NewPacket(PacketListBucket)
	p.Sender = s.nick.String()
	reply, err := s.correlator.Await(ctx, "listBucket", p.ID, s.config.Correlator.PublishTimeout, func() error {
		return s.sendPacket(ctx, p, appCommand(CmdListBucket))
	})
	if err != nil {
		return nil, err
	}
	var files []FileDescriptor
	if len(reply.Packet.Payload) > 0 {
		if err := msgpack.Unmarshal(reply.Packet.Payload, &files); err != nil {
			return nil, &ProtocolError{Op: "listBucket", Msg: err.Error()}
		}
	}
	return files, nil
}

// FetchOfflineMessages asks the server to replay messages queued while
// this device was offline. They arrive as ordinary message packets.
func (s *Session) FetchOfflineMessages(ctx context.Context) error {
	if err := s.requireOnline("offline messages"); err != nil {
		return err
	}
	p := NewPacket(PacketOfflineMessages)
	p.Sender = s.nick.String()
	return s.sendPacket(ctx, p, appCommand(CmdOfflineMessages))
}

// DeleteOfflineMessage drops a queued offline message on the server.
func (s *Session) DeleteOfflineMessage(ctx context.Context, messageID string) error {
	if err := s.requireOnline("delete offline message"); err != nil {
		return err
	}
	p := NewPacket(PacketOfflineMessages)
	p.Sender = s.nick.String()
	p.InReplyTo = messageID
	return s.sendPacket(ctx, p, appCommand(CmdDeleteOfflineMessage, messageID))
}

// UpdateBadge sets the unread badge count used for push notifications.
func (s *Session) UpdateBadge(ctx context.Context, count int) error {
	if err := s.requireOnline("badge update"); err != nil {
		return err
	}
	p := NewPacket(PacketBadgeUpdate)
	p.Sender = s.nick.String()
	p.Payload = []byte(strconv.Itoa(count))
	return s.sendPacket(ctx, p, appCommand(CmdBadgeUpdate))
}

// MessageCreated writes media parked for messageID now that the message
// exists. It runs on the session context so it cannot race a transfer
// completing for the same message.
func (s *Session) MessageCreated(ctx context.Context, messageID string) error {
	var ferr error
	err := s.do(ctx, func() {
		pending, err := s.opts.Pending.Take(ctx, messageID)
		if err != nil {
			ferr = fmt.Errorf("take pending media for %s: %w", messageID, err)
			return
		}
		for _, pm := range pending {
			if err := s.opts.Messages.WriteMedia(ctx, messageID, pm.File); err != nil {
				ferr = fmt.Errorf("write media %s: %w", pm.TransferID, err)
				return
			}
			log.Debug().
				Str("transfer", pm.TransferID).
				Str("message", messageID).
				Msg("flushed pending media")
		}
	})
	if err != nil {
		return err
	}
	return ferr
}

// Join joins channels.
func (s *Session) Join(ctx context.Context, channels ...string) error {
	if err := s.requireOnline("join"); err != nil {
		return err
	}
	for _, ch := range channels {
		if err := ValidateChannel(ch); err != nil {
			return err
		}
	}
	return s.send(NewMessage(JoinCommand{Channels: channels}), PriorityNormal)
}

// Part leaves channels.
func (s *Session) Part(ctx context.Context, reason string, channels ...string) error {
	if err := s.requireOnline("part"); err != nil {
		return err
	}
	return s.send(NewMessage(PartCommand{Channels: channels, Reason: reason}), PriorityNormal)
}

// IsOn asks which of nicks are connected. Replies update the presence cache
// and emit EventPresence.
func (s *Session) IsOn(ctx context.Context, nicks ...Nick) error {
	if err := s.requireOnline("ison"); err != nil {
		return err
	}
	if len(nicks) == 0 {
		return nil
	}
	return s.queryIsOn(nicks)
}

// SendCommand queues an arbitrary command, for queries such as WHO, WHOIS,
// LIST or MODE that have no dedicated method.
func (s *Session) SendCommand(ctx context.Context, cmd Command) error {
	if st := s.state.State(); st == StateOffline || st == StateDisconnected || st == StateConnecting {
		return &StateError{Op: "send " + cmd.Name(), State: st}
	}
	return s.send(NewMessage(cmd), priorityFor(cmd))
}

// Ping measures the round trip to the server.
func (s *Session) Ping(ctx context.Context) *PingResult {
	return s.ping.Ping(ctx)
}

// IsOnline returns the cached presence of nick. ok is false when nothing
// recent is known.
func (s *Session) IsOnline(nick Nick) (online, ok bool) {
	return s.presence.Get(nick.String())
}

// OnlineContacts returns the nicks currently cached as online.
func (s *Session) OnlineContacts() []string { return s.presence.Online() }

// MOTD returns the last message of the day.
func (s *Session) MOTD() string { return s.motd.Last() }

// DeliveryStats returns outbound delivery statistics.
func (s *Session) DeliveryStats() DeliveryStats { return s.delivery.Stats() }

// LastAck returns the most recent acknowledgment received, or nil.
func (s *Session) LastAck() *Acknowledgment { return s.lastAck.Load() }

// AllowSender adds sender to the access list.
func (s *Session) AllowSender(sender string) { s.access.Add(sender) }

// RemoveSender removes sender from the access list.
func (s *Session) RemoveSender(sender string) { s.access.Remove(sender) }
