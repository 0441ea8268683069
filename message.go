package ircsession

import (
	"fmt"
	"strings"
)

// Message is one decoded wire line.
type Message struct {
	// Origin is the opaque sender identity from the :prefix, if any.
	Origin string
	// Target is the addressee field of numeric replies.
	Target string
	// Command is the structured command.
	Command Command
	// Arguments holds the raw wire parameters after the command (and after
	// the target for numerics).
	Arguments []string
	// Tags carries side-channel metadata from the @tag block.
	Tags []Tag
}

// NewMessage builds a message whose Arguments mirror the command's wire
// parameters.
func NewMessage(cmd Command, tags ...Tag) *Message {
	cmd = normalizeCommand(cmd)
	return &Message{
		Command:   cmd,
		Arguments: nilIfEmpty(cmd.params()),
		Tags:      tags,
	}
}

// normalizeCommand fills defaults that the wire form always carries, so a
// built message equals its decoded form.
func normalizeCommand(cmd Command) Command {
	if u, ok := cmd.(UserCommand); ok && u.Mode == "" {
		u.Mode = defaultUserMode
		return u
	}
	return cmd
}

// Tag returns the value of the first tag with the given key.
func (m *Message) Tag(key string) (string, bool) {
	for _, t := range m.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// OriginNick parses Origin as a device-qualified nick.
func (m *Message) OriginNick() (Nick, error) {
	origin := m.Origin
	if i := strings.IndexByte(origin, '!'); i >= 0 {
		origin = origin[:i]
	}
	return ParseNick(origin)
}

// LastArgument returns the final wire parameter, or "" when there is none.
func (m *Message) LastArgument() string {
	if len(m.Arguments) == 0 {
		return ""
	}
	return m.Arguments[len(m.Arguments)-1]
}

// Tag is a key/value pair from the IRCv3 tag block.
type Tag struct {
	Key   string
	Value string
}

// Command is the closed set of commands this protocol speaks. Application
// commands travel as OtherCommand.
type Command interface {
	// Name is the wire verb or the three digit numeric code.
	Name() string
	params() []string
	// trailing reports whether the last parameter is always colon-prefixed.
	trailing() bool
}

// Application commands carried as OtherCommand.
const (
	CmdPublishKeyBundle       = "PUBLISHKEYBUNDLE"
	CmdReadKeyBundle          = "READKEYBUNDLE"
	CmdPublishBlob            = "PUBLISHBLOB"
	CmdMultipartMediaUpload   = "MULTIPARTMEDIAUPLOAD"
	CmdMultipartMediaDownload = "MULTIPARTMEDIADOWNLOAD"
	CmdListBucket             = "LISTBUCKET"
	CmdOfflineMessages        = "OFFLINEMESSAGES"
	CmdDeleteOfflineMessage   = "DELETEOFFLINEMESSAGE"
	CmdBadgeUpdate            = "BADGEUPDATE"
	CmdRegisterPushToken      = "REGISTERAPN"
)

// Tag keys used to carry application blobs.
const (
	TagRegistrationPacket = "registrationPacket"
	TagChannelPacket      = "channelPacket"
	TagPresence           = "presence"
)

// Numeric reply codes the dispatcher understands.
const (
	RplWelcome     = 1
	RplYourHost    = 2
	RplCreated     = 3
	RplMyInfo      = 4
	RplISupport    = 5
	RplUModeIs     = 221
	RplAway        = 301
	RplIsOn        = 303
	RplWhoisUser   = 311
	RplEndOfWho    = 315
	RplEndOfWhois  = 318
	RplListStart   = 321
	RplList        = 322
	RplListEnd     = 323
	RplChannelMode = 324
	RplNoTopic     = 331
	RplTopic       = 332
	RplWhoReply    = 352
	RplNamReply    = 353
	RplEndOfNames  = 366
	RplBanList     = 367
	RplEndOfBans   = 368
	RplInfo        = 371
	RplMOTD        = 372
	RplEndOfInfo   = 374
	RplMOTDStart   = 375
	RplEndOfMOTD   = 376

	ErrNoSuchNick        = 401
	ErrNoSuchChannel     = 403
	ErrUnknownCommand    = 421
	ErrNoMOTD            = 422
	ErrNoNicknameGiven   = 431
	ErrErroneousNickname = 432
	ErrNicknameInUse     = 433
	ErrNotRegistered     = 451
	ErrNeedMoreParams    = 461
	ErrAlreadyRegistered = 462
	ErrPasswdMismatch    = 464
)

var knownNumerics = map[int]bool{
	RplWelcome: true, RplYourHost: true, RplCreated: true, RplMyInfo: true,
	RplISupport: true, RplUModeIs: true, RplAway: true, RplIsOn: true,
	RplWhoisUser: true, RplEndOfWho: true, RplEndOfWhois: true,
	RplListStart: true, RplList: true, RplListEnd: true, RplChannelMode: true,
	RplNoTopic: true, RplTopic: true, RplWhoReply: true, RplNamReply: true,
	RplEndOfNames: true, RplBanList: true, RplEndOfBans: true, RplInfo: true,
	RplMOTD: true, RplEndOfInfo: true, RplMOTDStart: true, RplEndOfMOTD: true,
	ErrNoSuchNick: true, ErrNoSuchChannel: true, ErrUnknownCommand: true,
	ErrNoMOTD: true, ErrNoNicknameGiven: true, ErrErroneousNickname: true,
	ErrNicknameInUse: true, ErrNotRegistered: true, ErrNeedMoreParams: true,
	ErrAlreadyRegistered: true, ErrPasswdMismatch: true,
}

// NickCommand announces or changes the device nick.
type NickCommand struct{ Nick Nick }

func (NickCommand) Name() string       { return "NICK" }
func (c NickCommand) params() []string { return []string{c.Nick.String()} }
func (NickCommand) trailing() bool     { return false }

// UserCommand announces the user after registration.
type UserCommand struct {
	Username string
	Mode     string
	Realname string
}

// defaultUserMode is sent when UserCommand.Mode is empty.
const defaultUserMode = "0"

func (UserCommand) Name() string { return "USER" }
func (c UserCommand) params() []string {
	mode := c.Mode
	if mode == "" {
		mode = defaultUserMode
	}
	return []string{c.Username, mode, "*", c.Realname}
}
func (UserCommand) trailing() bool { return true }

// PassCommand carries the connection password (bearer token).
type PassCommand struct{ Password string }

func (PassCommand) Name() string       { return "PASS" }
func (c PassCommand) params() []string { return []string{c.Password} }
func (PassCommand) trailing() bool     { return false }

// PingCommand is a keepalive request.
type PingCommand struct {
	Token  string
	Server string
}

func (PingCommand) Name() string       { return "PING" }
func (c PingCommand) params() []string { return optionalPair(c.Token, c.Server) }
func (PingCommand) trailing() bool     { return false }

// PongCommand answers a PingCommand.
type PongCommand struct {
	Token  string
	Server string
}

func (PongCommand) Name() string       { return "PONG" }
func (c PongCommand) params() []string { return optionalPair(c.Token, c.Server) }
func (PongCommand) trailing() bool     { return false }

// JoinCommand joins one or more channels.
type JoinCommand struct {
	Channels []string
	Keys     []string
}

func (JoinCommand) Name() string { return "JOIN" }
func (c JoinCommand) params() []string {
	p := []string{strings.Join(c.Channels, ",")}
	if len(c.Keys) > 0 {
		p = append(p, strings.Join(c.Keys, ","))
	}
	return p
}
func (JoinCommand) trailing() bool { return false }

// Join0Command leaves every joined channel.
type Join0Command struct{}

func (Join0Command) Name() string     { return "JOIN" }
func (Join0Command) params() []string { return []string{"0"} }
func (Join0Command) trailing() bool   { return false }

// PartCommand leaves channels with an optional reason.
type PartCommand struct {
	Channels []string
	Reason   string
}

func (PartCommand) Name() string { return "PART" }
func (c PartCommand) params() []string {
	p := []string{strings.Join(c.Channels, ",")}
	if c.Reason != "" {
		p = append(p, c.Reason)
	}
	return p
}
func (c PartCommand) trailing() bool { return c.Reason != "" }

// PrivMsgCommand carries text, usually a base64 application packet.
type PrivMsgCommand struct {
	Recipients []string
	Text       string
}

func (PrivMsgCommand) Name() string { return "PRIVMSG" }
func (c PrivMsgCommand) params() []string {
	return []string{strings.Join(c.Recipients, ","), c.Text}
}
func (PrivMsgCommand) trailing() bool { return true }

// NoticeCommand is PRIVMSG that must never trigger an automatic reply.
type NoticeCommand struct {
	Recipients []string
	Text       string
}

func (NoticeCommand) Name() string { return "NOTICE" }
func (c NoticeCommand) params() []string {
	return []string{strings.Join(c.Recipients, ","), c.Text}
}
func (NoticeCommand) trailing() bool { return true }

// ModeCommand sets user modes. Add and Remove hold mode letters.
type ModeCommand struct {
	Nick   Nick
	Add    string
	Remove string
}

func (ModeCommand) Name() string { return "MODE" }
func (c ModeCommand) params() []string {
	return append([]string{c.Nick.String()}, modeTokens(c.Add, c.Remove)...)
}
func (ModeCommand) trailing() bool { return false }

// ModeGetCommand queries user modes.
type ModeGetCommand struct{ Nick Nick }

func (ModeGetCommand) Name() string       { return "MODE" }
func (c ModeGetCommand) params() []string { return []string{c.Nick.String()} }
func (ModeGetCommand) trailing() bool     { return false }

// ChannelModeCommand sets channel modes with optional mode parameters.
type ChannelModeCommand struct {
	Channel string
	Add     string
	Remove  string
	Params  []string
}

func (ChannelModeCommand) Name() string { return "MODE" }
func (c ChannelModeCommand) params() []string {
	p := append([]string{c.Channel}, modeTokens(c.Add, c.Remove)...)
	return append(p, c.Params...)
}
func (ChannelModeCommand) trailing() bool { return false }

// ChannelModeGetCommand queries channel modes.
type ChannelModeGetCommand struct{ Channel string }

func (ChannelModeGetCommand) Name() string       { return "MODE" }
func (c ChannelModeGetCommand) params() []string { return []string{c.Channel} }
func (ChannelModeGetCommand) trailing() bool     { return false }

// ChannelModeGetBanMaskCommand lists a channel's ban masks.
type ChannelModeGetBanMaskCommand struct{ Channel string }

func (ChannelModeGetBanMaskCommand) Name() string       { return "MODE" }
func (c ChannelModeGetBanMaskCommand) params() []string { return []string{c.Channel, "b"} }
func (ChannelModeGetBanMaskCommand) trailing() bool     { return false }

// ListCommand lists channels.
type ListCommand struct {
	Channels []string
	Server   string
}

func (ListCommand) Name() string { return "LIST" }
func (c ListCommand) params() []string {
	if len(c.Channels) == 0 {
		return nil
	}
	return optionalPair(strings.Join(c.Channels, ","), c.Server)
}
func (ListCommand) trailing() bool { return false }

// IsOnCommand asks which of the given nicks are connected.
type IsOnCommand struct{ Nicks []Nick }

func (IsOnCommand) Name() string { return "ISON" }
func (c IsOnCommand) params() []string {
	p := make([]string, len(c.Nicks))
	for i, n := range c.Nicks {
		p[i] = n.String()
	}
	return p
}
func (IsOnCommand) trailing() bool { return false }

// WhoCommand queries users matching a mask.
type WhoCommand struct {
	Mask          string
	OperatorsOnly bool
}

func (WhoCommand) Name() string { return "WHO" }
func (c WhoCommand) params() []string {
	if c.Mask == "" {
		return nil
	}
	if c.OperatorsOnly {
		return []string{c.Mask, "o"}
	}
	return []string{c.Mask}
}
func (WhoCommand) trailing() bool { return false }

// WhoIsCommand queries details on nick masks.
type WhoIsCommand struct {
	Server string
	Masks  []string
}

func (WhoIsCommand) Name() string { return "WHOIS" }
func (c WhoIsCommand) params() []string {
	masks := strings.Join(c.Masks, ",")
	if c.Server != "" {
		return []string{c.Server, masks}
	}
	return []string{masks}
}
func (WhoIsCommand) trailing() bool { return false }

// KickCommand removes users from channels.
type KickCommand struct {
	Channels []string
	Users    []string
	Comment  string
}

func (KickCommand) Name() string { return "KICK" }
func (c KickCommand) params() []string {
	p := []string{strings.Join(c.Channels, ","), strings.Join(c.Users, ",")}
	if c.Comment != "" {
		p = append(p, c.Comment)
	}
	return p
}
func (c KickCommand) trailing() bool { return c.Comment != "" }

// KillCommand disconnects a nick server side.
type KillCommand struct {
	Nick    string
	Comment string
}

func (KillCommand) Name() string       { return "KILL" }
func (c KillCommand) params() []string { return []string{c.Nick, c.Comment} }
func (KillCommand) trailing() bool     { return true }

// QuitCommand ends the session.
type QuitCommand struct{ Reason string }

func (QuitCommand) Name() string { return "QUIT" }
func (c QuitCommand) params() []string {
	if c.Reason == "" {
		return nil
	}
	return []string{c.Reason}
}
func (QuitCommand) trailing() bool { return true }

// CapSubcommand is one of the capability negotiation verbs.
type CapSubcommand string

// Capability negotiation verbs.
const (
	CapLS   CapSubcommand = "LS"
	CapList CapSubcommand = "LIST"
	CapReq  CapSubcommand = "REQ"
	CapAck  CapSubcommand = "ACK"
	CapNak  CapSubcommand = "NAK"
	CapEnd  CapSubcommand = "END"
	CapNew  CapSubcommand = "NEW"
	CapDel  CapSubcommand = "DEL"
)

func (s CapSubcommand) valid() bool {
	switch s {
	case CapLS, CapList, CapReq, CapAck, CapNak, CapEnd, CapNew, CapDel:
		return true
	}
	return false
}

// CapCommand negotiates capabilities. Target is set on server replies.
type CapCommand struct {
	Target       string
	Subcommand   CapSubcommand
	Capabilities []string
}

func (CapCommand) Name() string { return "CAP" }
func (c CapCommand) params() []string {
	var p []string
	if c.Target != "" {
		p = append(p, c.Target)
	}
	p = append(p, string(c.Subcommand))
	if len(c.Capabilities) > 0 {
		p = append(p, strings.Join(c.Capabilities, " "))
	}
	return p
}
func (c CapCommand) trailing() bool { return len(c.Capabilities) > 0 }

// NumericCommand is a numeric reply with a code the dispatcher knows.
// Params excludes the target.
type NumericCommand struct {
	Code   int
	Params []string
}

func (c NumericCommand) Name() string     { return fmt.Sprintf("%03d", c.Code) }
func (c NumericCommand) params() []string { return c.Params }
func (NumericCommand) trailing() bool     { return true }

// OtherNumericCommand is a numeric reply with an unrecognized code.
type OtherNumericCommand struct {
	Code   int
	Params []string
}

func (c OtherNumericCommand) Name() string     { return fmt.Sprintf("%03d", c.Code) }
func (c OtherNumericCommand) params() []string { return c.Params }
func (OtherNumericCommand) trailing() bool     { return true }

// OtherCommand is the extension point for application commands.
type OtherCommand struct {
	Command string
	Params  []string
}

func (c OtherCommand) Name() string     { return c.Command }
func (c OtherCommand) params() []string { return c.Params }
func (OtherCommand) trailing() bool     { return false }

// NewNumeric returns a NumericCommand for known codes and an
// OtherNumericCommand otherwise.
func NewNumeric(code int, params ...string) Command {
	if knownNumerics[code] {
		return NumericCommand{Code: code, Params: params}
	}
	return OtherNumericCommand{Code: code, Params: params}
}

func optionalPair(a, b string) []string {
	if b == "" {
		return []string{a}
	}
	return []string{a, b}
}

func modeTokens(add, remove string) []string {
	var t []string
	if add != "" {
		t = append(t, "+"+add)
	}
	if remove != "" {
		t = append(t, "-"+remove)
	}
	return t
}
