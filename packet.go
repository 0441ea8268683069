package ircsession

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// PacketType identifies the application meaning of a MessagePacket.
type PacketType uint8

const (
	PacketMessage PacketType = iota + 1
	PacketAck
	PacketReadReceipt
	PacketPublishKeyBundle
	PacketReadKeyBundle
	PacketRegisterPushToken
	PacketRequestDeviceRegistry
	PacketAcceptDeviceRegistry
	PacketRejectDeviceRegistry
	PacketNewDevice
	PacketContactRemoval
	PacketMultipartUpload
	PacketMultipartDownload
	PacketRegistration
	PacketPublishBlob
	PacketBadgeUpdate
	PacketOfflineMessages
	PacketListBucket
)

var packetTypeNames = map[PacketType]string{
	PacketMessage:               "message",
	PacketAck:                   "ack",
	PacketReadReceipt:           "readReceipt",
	PacketPublishKeyBundle:      "publishKeyBundle",
	PacketReadKeyBundle:         "readKeyBundle",
	PacketRegisterPushToken:     "registerPushToken",
	PacketRequestDeviceRegistry: "requestDeviceRegistry",
	PacketAcceptDeviceRegistry:  "acceptDeviceRegistry",
	PacketRejectDeviceRegistry:  "rejectDeviceRegistry",
	PacketNewDevice:             "newDevice",
	PacketContactRemoval:        "contactRemoval",
	PacketMultipartUpload:       "multipartUpload",
	PacketMultipartDownload:     "multipartDownload",
	PacketRegistration:          "registration",
	PacketPublishBlob:           "publishBlob",
	PacketBadgeUpdate:           "badgeUpdate",
	PacketOfflineMessages:       "offlineMessages",
	PacketListBucket:            "listBucket",
}

func (t PacketType) String() string {
	if n, ok := packetTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// IsValid reports whether t is a known packet type.
func (t PacketType) IsValid() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// PushType tells the server how to notify an offline recipient.
type PushType uint8

const (
	PushNone PushType = iota
	PushMessage
	PushCall
	PushSilent
)

// AckKind is the outcome an Acknowledgment reports.
type AckKind uint8

const (
	AckRegistered AckKind = iota + 1
	AckMessageSent
	AckMultipartUploadComplete
	AckMultipartDownloadFailed
	AckPublishedKeyBundle
	AckQuitConfirmed
	AckReadReceipt
	AckIsOnline
	AckMultipartReceived
)

func (k AckKind) String() string {
	switch k {
	case AckRegistered:
		return "registered"
	case AckMessageSent:
		return "messageSent"
	case AckMultipartUploadComplete:
		return "multipartUploadComplete"
	case AckMultipartDownloadFailed:
		return "multipartDownloadFailed"
	case AckPublishedKeyBundle:
		return "publishedKeyBundle"
	case AckQuitConfirmed:
		return "quitConfirmed"
	case AckReadReceipt:
		return "readReceipt"
	case AckIsOnline:
		return "isOnline"
	case AckMultipartReceived:
		return "multipartReceived"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Acknowledgment reports the outcome of the packet whose id it carries.
type Acknowledgment struct {
	ID     string          `msgpack:"id"`
	Kind   AckKind         `msgpack:"kind"`
	OK     bool            `msgpack:"ok,omitempty"`
	File   *FileDescriptor `msgpack:"file,omitempty"`
	Reason string          `msgpack:"reason,omitempty"`
	Nicks  []string        `msgpack:"nicks,omitempty"`
}

// ReceiptState is the delivery stage a read receipt reports.
type ReceiptState uint8

const (
	ReceiptReceived ReceiptState = iota + 1
	ReceiptDisplayed
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptReceived:
		return "received"
	case ReceiptDisplayed:
		return "displayed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ReadReceipt reports that a message reached or was shown to its recipient.
type ReadReceipt struct {
	MessageID string       `msgpack:"messageId"`
	State     ReceiptState `msgpack:"state"`
	At        int64        `msgpack:"at"`
}

// FileDescriptor describes an uploaded multipart asset.
type FileDescriptor struct {
	TransferID string `msgpack:"transferId"`
	MessageID  string `msgpack:"messageId,omitempty"`
	Name       string `msgpack:"name,omitempty"`
	MimeType   string `msgpack:"mimeType,omitempty"`
	Size       int64  `msgpack:"size"`
	Parts      int    `msgpack:"parts"`
	Checksum   []byte `msgpack:"checksum,omitempty"`
}

// MultipartFields places a packet's Payload within a transfer.
type MultipartFields struct {
	TransferID string          `msgpack:"transferId"`
	MessageID  string          `msgpack:"messageId,omitempty"`
	PartNumber int             `msgpack:"part"`
	TotalParts int             `msgpack:"total"`
	Descriptor *FileDescriptor `msgpack:"descriptor,omitempty"`
}

// MessagePacket is the application envelope carried base64-encoded in the
// last argument of PRIVMSG, NOTICE and application commands.
type MessagePacket struct {
	ID          string           `msgpack:"id"`
	PushType    PushType         `msgpack:"pushType"`
	Type        PacketType       `msgpack:"type"`
	CreatedAt   int64            `msgpack:"createdAt"`
	Sender      string           `msgpack:"sender,omitempty"`
	Recipient   string           `msgpack:"recipient,omitempty"`
	Payload     []byte           `msgpack:"payload,omitempty"`
	ReadReceipt *ReadReceipt     `msgpack:"readReceipt,omitempty"`
	Multipart   *MultipartFields `msgpack:"multipart,omitempty"`
	Ack         *Acknowledgment  `msgpack:"ack,omitempty"`
	Token       string           `msgpack:"token,omitempty"`
	// InReplyTo names the request a reply packet answers.
	InReplyTo string `msgpack:"inReplyTo,omitempty"`
}

// NewPacket returns a packet with a fresh id and creation time.
func NewPacket(t PacketType) *MessagePacket {
	return &MessagePacket{
		ID:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewReplyPacket returns a packet of type t answering request id.
func NewReplyPacket(t PacketType, id string) *MessagePacket {
	p := NewPacket(t)
	p.InReplyTo = id
	return p
}

// NewAckPacket returns an ack packet correlating to id.
func NewAckPacket(id string, kind AckKind) *MessagePacket {
	p := NewPacket(PacketAck)
	p.Ack = &Acknowledgment{ID: id, Kind: kind}
	return p
}

// Created returns CreatedAt as a time.
func (p *MessagePacket) Created() time.Time {
	return time.UnixMilli(p.CreatedAt)
}

// Validate checks the fields every packet must carry.
func (p *MessagePacket) Validate() error {
	if p.ID == "" {
		return &ProtocolError{Op: "packet", Msg: "missing id"}
	}
	if !p.Type.IsValid() {
		return &ProtocolError{Op: "packet", Msg: fmt.Sprintf("unknown type %d", uint8(p.Type))}
	}
	switch p.Type {
	case PacketAck:
		if p.Ack == nil {
			return &ProtocolError{Op: "packet", Msg: "ack packet without acknowledgment"}
		}
	case PacketReadReceipt:
		if p.ReadReceipt == nil {
			return &ProtocolError{Op: "packet", Msg: "read receipt packet without receipt"}
		}
	}
	return nil
}

// Marshal encodes the packet as base64 msgpack for a wire argument.
func (p *MessagePacket) Marshal() (string, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal packet %s: %w", p.ID, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// UnmarshalPacket decodes and validates a base64 msgpack packet.
func UnmarshalPacket(text string) (*MessagePacket, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode packet base64: %w", err)
	}
	var p MessagePacket
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ChannelInfo is the channelPacket tag blob on JOIN.
type ChannelInfo struct {
	Name    string   `msgpack:"name"`
	Topic   string   `msgpack:"topic,omitempty"`
	Members []string `msgpack:"members,omitempty"`
	Admins  []string `msgpack:"admins,omitempty"`
}

// PresenceInfo is the presence tag blob on JOIN and PART.
type PresenceInfo struct {
	Online  []string `msgpack:"online,omitempty"`
	Offline []string `msgpack:"offline,omitempty"`
}

// EncodeBlob renders v as a base64 msgpack tag value.
func EncodeBlob(v any) (string, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBlob parses a base64 msgpack tag value into v.
func DecodeBlob(s string, v any) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode blob base64: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}
