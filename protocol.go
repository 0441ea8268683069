package ircsession

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// PacketContext describes where an inbound packet came from.
type PacketContext struct {
	Session *Session
	Message *Message
	// Command is the wire verb that carried the packet.
	Command string
	// Sender is the origin nick. It is zero for server-originated packets.
	Sender Nick
	// NoReply is set for packets carried by NOTICE.
	NoReply bool
}

// PacketHandler processes one inbound packet of a registered type on the
// session context.
type PacketHandler func(ctx context.Context, pc *PacketContext, p *MessagePacket) error

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[PacketType]PacketHandler
}

func newHandlerRegistry(s *Session) *handlerRegistry {
	r := &handlerRegistry{handlers: make(map[PacketType]PacketHandler)}
	r.set(PacketMessage, s.handleMessagePacket)
	r.set(PacketAck, s.handleAckPacket)
	r.set(PacketReadReceipt, s.handleReadReceiptPacket)
	r.set(PacketReadKeyBundle, s.handleKeyBundleReply)
	r.set(PacketListBucket, s.handleReply)
	r.set(PacketAcceptDeviceRegistry, s.handleReply)
	r.set(PacketRejectDeviceRegistry, s.handleRegistryRejection)
	r.set(PacketRequestDeviceRegistry, s.handleRegistryRequest)
	r.set(PacketNewDevice, s.handleNewDevice)
	r.set(PacketContactRemoval, s.handleContactRemoval)
	r.set(PacketMultipartDownload, s.handleChunkPacket)
	r.set(PacketOfflineMessages, s.handleOfflineMessages)
	return r
}

func (r *handlerRegistry) set(t PacketType, h PacketHandler) {
	r.mu.Lock()
	if h == nil {
		delete(r.handlers, t)
	} else {
		r.handlers[t] = h
	}
	r.mu.Unlock()
}

func (r *handlerRegistry) get(t PacketType) PacketHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}

// RegisterHandler replaces the handler for packet type t. A nil handler
// removes it; packets without a handler are logged and dropped.
func (s *Session) RegisterHandler(t PacketType, h PacketHandler) {
	s.handlers.set(t, h)
}

// handlePacketText decodes a packet argument and hands it to its handler.
func (s *Session) handlePacketText(ctx context.Context, m *Message, command, text string, noReply bool) error {
	p, err := UnmarshalPacket(text)
	if err != nil {
		return &ProtocolError{Op: strings.ToLower(command), Msg: err.Error()}
	}
	pc := &PacketContext{Session: s, Message: m, Command: command, NoReply: noReply}
	if sender, err := m.OriginNick(); err == nil {
		pc.Sender = sender
		if err := s.access.Check(sender); err != nil {
			return err
		}
		if err := s.limiter.Allow(sender); err != nil {
			return err
		}
	}

	h := s.handlers.get(p.Type)
	if h == nil {
		log.Debug().
			Str("type", p.Type.String()).
			Str("command", command).
			Str("id", p.ID).
			Msg("no handler for packet type")
		return nil
	}
	log.Trace().
		Str("type", p.Type.String()).
		Str("id", p.ID).
		Str("sender", pc.Sender.String()).
		Msg("handling packet")
	return h(ctx, pc, p)
}

// reply answers an inbound packet on the verb that carried it. Packets that
// arrived by NOTICE are never answered.
func (s *Session) reply(ctx context.Context, pc *PacketContext, to Nick, p *MessagePacket) error {
	if pc.NoReply {
		return nil
	}
	switch pc.Command {
	case "PRIVMSG", "NOTICE":
		if to.IsZero() {
			return &ProtocolError{Op: "reply", Msg: "no recipient for reply"}
		}
		return s.sendPacket(ctx, p, toNick(to))
	default:
		return s.sendPacket(ctx, p, appCommand(pc.Command))
	}
}

// packetSender returns the origin nick, falling back to the packet's own
// sender field for server-relayed packets.
func packetSender(pc *PacketContext, p *MessagePacket) (Nick, error) {
	if !pc.Sender.IsZero() {
		return pc.Sender, nil
	}
	if p.Sender == "" {
		return Nick{}, &ProtocolError{Op: p.Type.String(), Msg: "missing sender"}
	}
	n, err := ParseNick(p.Sender)
	if err != nil {
		return Nick{}, &ProtocolError{Op: p.Type.String(), Msg: err.Error()}
	}
	return n, nil
}

// handleMessagePacket passes a message to the encryption engine and acks
// it. A packet id seen before is re-acked without being delivered again.
func (s *Session) handleMessagePacket(ctx context.Context, pc *PacketContext, p *MessagePacket) error {
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	dup, err := s.opts.Replay.MarkSeen(ctx, p.ID)
	if err != nil {
		log.Warn().Err(err).Str("id", p.ID).Msg("replay guard unavailable")
	}
	if !dup {
		if err := s.opts.Crypto.ReceiveMessage(ctx, sender, p); err != nil {
			if ferr := s.opts.Replay.Forget(ctx, p.ID); ferr != nil {
				log.Warn().Err(ferr).Str("id", p.ID).Msg("failed to forget packet")
			}
			return fmt.Errorf("receive message %s from %s: %w", p.ID, sender, err)
		}
	} else {
		log.Debug().Str("id", p.ID).Str("sender", sender.String()).Msg("duplicate message, re-acking")
	}
	ack := NewAckPacket(p.ID, AckMessageSent)
	ack.Sender = s.nick.String()
	ack.Recipient = sender.String()
	return s.reply(ctx, pc, sender, ack)
}

func (s *Session) handleReadReceiptPacket(ctx context.Context, pc *PacketContext, p *MessagePacket) error {
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	rr := p.ReadReceipt
	state := DeliveryReceived
	if rr.State == ReceiptDisplayed {
		state = DeliveryDisplayed
	}
	s.emit(Event{Kind: EventDelivery, MessageID: rr.MessageID, Nick: sender.String(), State: state})
	return s.reply(ctx, pc, sender, NewAckPacket(p.ID, AckReadReceipt))
}

func (s *Session) handleAckPacket(ctx context.Context, pc *PacketContext, p *MessagePacket) error {
	ack := p.Ack
	s.lastAck.Store(ack)

	switch ack.Kind {
	case AckRegistered:
		return s.onRegistered(ctx, p)
	case AckMessageSent:
		if latency, ok := s.delivery.Acknowledge(ack.ID); ok {
			log.Debug().Str("id", ack.ID).Dur("latency", latency).Msg("message delivered to server")
			s.emit(Event{Kind: EventDelivery, MessageID: ack.ID, State: DeliverySent})
		}
		s.correlator.Resolve(ack.ID, Reply{Packet: p, Ack: ack})
	case AckMultipartUploadComplete:
		if s.correlator.Resolve(ack.ID, s.okReply("upload", p)) {
			return nil
		}
		// Not our upload: an asset was shared with us.
		if ack.OK && ack.File != nil {
			return s.maybeAutoDownload(ctx, *ack.File)
		}
	case AckMultipartDownloadFailed:
		s.emit(Event{Kind: EventTransferFailed, TransferID: ack.ID, Error: ack.Reason})
		s.correlator.Resolve(ack.ID, Reply{Packet: p, Ack: ack, Err: &ProtocolError{Op: "download", Msg: ack.Reason}})
	case AckPublishedKeyBundle:
		s.correlator.Resolve(ack.ID, s.okReply("publish", p))
	case AckQuitConfirmed:
		s.resolveQuit()
	case AckIsOnline:
		for _, n := range ack.Nicks {
			s.setPresence(n, true, "ack")
		}
		s.correlator.Resolve(ack.ID, Reply{Packet: p, Ack: ack})
	case AckMultipartReceived:
		s.emit(Event{Kind: EventTransferComplete, TransferID: ack.ID, Nick: pc.Sender.String(), State: "received"})
		s.correlator.Resolve(ack.ID, Reply{Packet: p, Ack: ack})
	default:
		s.correlator.Resolve(ack.ID, Reply{Packet: p, Ack: ack})
	}
	return nil
}

// okReply turns an ack whose OK flag matters into a Reply.
func (s *Session) okReply(op string, p *MessagePacket) Reply {
	r := Reply{Packet: p, Ack: p.Ack}
	if !p.Ack.OK {
		reason := p.Ack.Reason
		if reason == "" {
			reason = "rejected"
		}
		r.Err = &ProtocolError{Op: op, Msg: reason}
	}
	return r
}

// onRegistered completes registration: the session goes online, announces
// itself and asks for its contacts' presence before the waiting Register
// call returns.
func (s *Session) onRegistered(ctx context.Context, p *MessagePacket) error {
	if st := s.state.State(); st != StateRegistering {
		return &StateError{Op: "registered", State: st}
	}
	s.mu.Lock()
	id := s.regID
	s.mu.Unlock()
	if p.Ack.ID != "" && p.Ack.ID != id {
		return &ProtocolError{Op: "register", Msg: fmt.Sprintf("ack for unknown registration %s", p.Ack.ID)}
	}
	if !p.Ack.OK {
		s.correlator.Resolve(id, s.okReply("register", p))
		return nil
	}

	if err := s.state.TransitionPath(nil, StateRegistered, StateOnline); err != nil {
		s.correlator.Resolve(id, Reply{Err: err})
		return err
	}
	if err := s.announce(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to announce after registration")
	}
	s.correlator.Resolve(id, Reply{Packet: p, Ack: p.Ack})
	return nil
}

func (s *Session) announce(ctx context.Context) error {
	realname := s.config.Identity.Realname
	if realname == "" {
		realname = s.nick.Name
	}
	if err := s.send(NewMessage(UserCommand{Username: s.nick.Name, Realname: realname}), PriorityNormal); err != nil {
		return err
	}
	contacts, err := s.opts.Crypto.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	if len(contacts) == 0 {
		return nil
	}
	return s.queryIsOn(contacts)
}

func (s *Session) queryIsOn(nicks []Nick) error {
	s.mu.Lock()
	s.isonAsk = append([]Nick(nil), nicks...)
	s.mu.Unlock()
	return s.send(NewMessage(IsOnCommand{Nicks: nicks}), PriorityNormal)
}

// handleKeyBundleReply resolves a READKEYBUNDLE request. An empty payload
// means the user has no published bundle.
func (s *Session) handleKeyBundleReply(_ context.Context, _ *PacketContext, p *MessagePacket) error {
	if p.InReplyTo == "" {
		return &ProtocolError{Op: "readKeyBundle", Msg: "reply without request id"}
	}
	r := Reply{Packet: p}
	if len(p.Payload) == 0 {
		r.Err = &ProtocolError{Op: "readKeyBundle", Msg: "no key bundle published"}
	}
	s.correlator.Resolve(p.InReplyTo, r)
	return nil
}

// handleReply resolves the request a reply packet names.
func (s *Session) handleReply(_ context.Context, _ *PacketContext, p *MessagePacket) error {
	if p.InReplyTo == "" {
		return &ProtocolError{Op: p.Type.String(), Msg: "reply without request id"}
	}
	s.correlator.Resolve(p.InReplyTo, Reply{Packet: p})
	return nil
}

func (s *Session) handleRegistryRejection(_ context.Context, _ *PacketContext, p *MessagePacket) error {
	if p.InReplyTo == "" {
		return &ProtocolError{Op: "deviceRegistry", Msg: "rejection without request id"}
	}
	reason := string(p.Payload)
	if reason == "" {
		reason = "rejected"
	}
	s.correlator.Resolve(p.InReplyTo, Reply{Packet: p, Err: &ProtocolError{Op: "deviceRegistry", Msg: reason}})
	return nil
}

// handleRegistryRequest surfaces another device's request to join this
// account. The application answers with AcceptDeviceRegistry or
// RejectDeviceRegistry.
func (s *Session) handleRegistryRequest(_ context.Context, pc *PacketContext, p *MessagePacket) error {
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventDeviceRegistryRequest, Nick: sender.String(), MessageID: p.ID, Payload: p.Payload})
	return nil
}

func (s *Session) handleNewDevice(ctx context.Context, pc *PacketContext, p *MessagePacket) error {
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	if err := s.opts.Crypto.AddDevice(ctx, p.Payload); err != nil {
		return fmt.Errorf("add device from %s: %w", sender, err)
	}
	s.emit(Event{Kind: EventDeviceAdded, Nick: sender.String(), MessageID: p.ID})
	return nil
}

func (s *Session) handleContactRemoval(_ context.Context, pc *PacketContext, p *MessagePacket) error {
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventContactRemoved, Nick: sender.String(), MessageID: p.ID})
	return nil
}

func (s *Session) handleOfflineMessages(_ context.Context, _ *PacketContext, p *MessagePacket) error {
	log.Info().Str("id", p.ID).Int("bytes", len(p.Payload)).Msg("offline message replay finished")
	if p.InReplyTo != "" {
		s.correlator.Resolve(p.InReplyTo, Reply{Packet: p})
	}
	return nil
}

// handleChunkPacket feeds a download chunk to the reassembler. A completed
// transfer is decoded, decrypted and either written to its message or
// parked until the message exists.
func (s *Session) handleChunkPacket(ctx context.Context, pc *PacketContext, p *MessagePacket) error {
	mf := p.Multipart
	if mf == nil {
		return &ProtocolError{Op: "multipart", Msg: "chunk without multipart fields"}
	}
	data, complete, err := s.reassembler.Add(MultipartChunk{
		TransferID: mf.TransferID,
		PartNumber: mf.PartNumber,
		TotalParts: mf.TotalParts,
		Bytes:      p.Payload,
	})
	if err != nil {
		s.emit(Event{Kind: EventTransferFailed, TransferID: mf.TransferID, Error: err.Error()})
		return err
	}
	if !complete {
		if got, total, ok := s.reassembler.Progress(mf.TransferID); ok {
			s.emit(Event{Kind: EventTransferProgress, TransferID: mf.TransferID, Received: got, Total: total})
		}
		return nil
	}

	if err := s.storeTransfer(ctx, pc, p, data); err != nil {
		// a failed transfer may be sent again
		s.reassembler.Forget(mf.TransferID)
		s.emit(Event{Kind: EventTransferFailed, TransferID: mf.TransferID, MessageID: mf.MessageID, Error: err.Error()})
		return err
	}
	s.emit(Event{Kind: EventTransferComplete, TransferID: mf.TransferID, MessageID: mf.MessageID, Total: mf.TotalParts})

	ack := NewAckPacket(mf.TransferID, AckMultipartReceived)
	ack.Sender = s.nick.String()
	return s.reply(ctx, pc, pc.Sender, ack)
}

func (s *Session) storeTransfer(ctx context.Context, pc *PacketContext, p *MessagePacket, data []byte) error {
	mf := p.Multipart
	file, err := DecodeMediaFile(data)
	if err != nil {
		return err
	}
	sender, err := packetSender(pc, p)
	if err != nil {
		return err
	}
	plain, err := s.opts.Crypto.Decrypt(ctx, sender, file.Data)
	if err != nil {
		return fmt.Errorf("decrypt transfer %s: %w", mf.TransferID, err)
	}
	file.Data = plain

	exists, err := s.opts.Messages.MessageExists(ctx, mf.MessageID)
	if err != nil {
		return fmt.Errorf("look up message %s: %w", mf.MessageID, err)
	}
	if exists {
		return s.opts.Messages.WriteMedia(ctx, mf.MessageID, file)
	}
	log.Debug().
		Str("transfer", mf.TransferID).
		Str("message", mf.MessageID).
		Msg("message not created yet, queueing media")
	return s.opts.Pending.Enqueue(ctx, PendingMedia{
		MessageID:  mf.MessageID,
		TransferID: mf.TransferID,
		File:       file,
		QueuedAt:   p.Created(),
	})
}

// maybeAutoDownload requests a shared asset when it is small enough.
func (s *Session) maybeAutoDownload(ctx context.Context, desc FileDescriptor) error {
	limit := s.config.Multipart.AutoDownloadMaxBytes
	if limit <= 0 || desc.Size > limit {
		log.Debug().
			Str("transfer", desc.TransferID).
			Int64("size", desc.Size).
			Msg("asset too large for auto-download")
		return nil
	}
	if s.reassembler.Completed(desc.TransferID) {
		return nil
	}
	return s.requestDownload(ctx, desc)
}

func (s *Session) requestDownload(ctx context.Context, desc FileDescriptor) error {
	p := NewPacket(PacketMultipartDownload)
	p.Sender = s.nick.String()
	p.Multipart = &MultipartFields{
		TransferID: desc.TransferID,
		MessageID:  desc.MessageID,
		TotalParts: desc.Parts,
		Descriptor: &desc,
	}
	return s.sendPacket(ctx, p, appCommand(CmdMultipartMediaDownload))
}
