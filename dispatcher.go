package ircsession

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// dispatch routes one inbound message on the session context. Handler
// errors are logged and never stop the loop.
func (s *Session) dispatch(ctx context.Context, m *Message) {
	if err := s.route(ctx, m); err != nil {
		s.logHandlerError(m, err)
	}
}

func (s *Session) route(ctx context.Context, m *Message) error {
	switch c := m.Command.(type) {
	case PingCommand:
		s.ping.handlePing(c)
	case PongCommand:
		s.ping.handlePong(c)
	case PrivMsgCommand:
		return s.handlePacketText(ctx, m, c.Name(), c.Text, false)
	case NoticeCommand:
		return s.handleNotice(ctx, m, c)
	case NickCommand:
		s.handleNick(m, c)
	case JoinCommand:
		return s.handleJoin(m, c)
	case Join0Command:
		log.Debug().Str("origin", m.Origin).Msg("left all channels")
	case PartCommand:
		return s.handlePart(m, c)
	case QuitCommand:
		s.handlePeerQuit(m, c)
	case KickCommand:
		s.handleKick(m, c)
	case KillCommand:
		s.handleKill(m, c)
	case NumericCommand:
		return s.handleNumeric(ctx, m, c)
	case OtherNumericCommand:
		log.Debug().Int("code", c.Code).Strs("params", c.Params).Msg("unhandled numeric")
	case OtherCommand:
		return s.handleOther(ctx, m, c)
	case ModeCommand, ModeGetCommand, ChannelModeCommand, ChannelModeGetCommand,
		ChannelModeGetBanMaskCommand, CapCommand:
		log.Debug().Str("command", c.Name()).Strs("args", m.Arguments).Msg("mode or capability update")
	case UserCommand, PassCommand, IsOnCommand, ListCommand, WhoCommand, WhoIsCommand:
		log.Debug().Str("command", c.Name()).Msg("ignoring client-only command from server")
	default:
		log.Debug().Str("command", c.Name()).Msg("unhandled command")
	}
	return nil
}

func (s *Session) logHandlerError(m *Message, err error) {
	ev := log.Warn()
	var se *StateError
	var ad *AccessDeniedError
	switch {
	case errors.As(err, &se):
		ev = log.Debug()
	case errors.As(err, &ad):
		// already logged by the filter
		return
	}
	ev.Str("session", string(s.id)).
		Str("command", m.Command.Name()).
		Str("origin", m.Origin).
		Err(err).
		Msg("inbound message handler failed")
}

// handleNotice treats packet-carrying notices like PRIVMSG but never
// replies to them. Anything else is a server notice.
func (s *Session) handleNotice(ctx context.Context, m *Message, c NoticeCommand) error {
	if _, err := UnmarshalPacket(c.Text); err != nil {
		log.Info().Str("origin", m.Origin).Str("text", c.Text).Msg("server notice")
		return nil
	}
	return s.handlePacketText(ctx, m, c.Name(), c.Text, true)
}

func (s *Session) handleNick(m *Message, c NickCommand) {
	old, err := m.OriginNick()
	if err != nil {
		log.Debug().Str("origin", m.Origin).Str("nick", c.Nick.String()).Msg("nick change")
		return
	}
	if old == s.nick {
		log.Info().Str("nick", c.Nick.String()).Msg("server confirmed our nick")
		return
	}
	s.setPresence(old.String(), false, "nick")
	s.setPresence(c.Nick.String(), true, "nick")
}

func (s *Session) handleJoin(m *Message, c JoinCommand) error {
	if v, ok := m.Tag(TagChannelPacket); ok {
		var info ChannelInfo
		if err := DecodeBlob(v, &info); err != nil {
			return &ProtocolError{Op: "join", Msg: err.Error()}
		}
		s.emit(Event{
			Kind:    EventChannel,
			Channel: info.Name,
			Text:    info.Topic,
			State:   "joined",
			Payload: []byte(strings.Join(info.Members, " ")),
		})
	}
	if err := s.applyPresenceTag(m, "join"); err != nil {
		return err
	}
	if origin, err := m.OriginNick(); err == nil && origin != s.nick {
		s.setPresence(origin.String(), true, "join")
		for _, ch := range c.Channels {
			s.emit(Event{Kind: EventChannel, Channel: ch, Nick: origin.String(), State: "member_joined"})
		}
	}
	return nil
}

func (s *Session) handlePart(m *Message, c PartCommand) error {
	if err := s.applyPresenceTag(m, "part"); err != nil {
		return err
	}
	origin, err := m.OriginNick()
	if err != nil {
		return nil
	}
	state := "member_parted"
	if origin == s.nick {
		state = "parted"
	}
	for _, ch := range c.Channels {
		s.emit(Event{Kind: EventChannel, Channel: ch, Nick: origin.String(), State: state, Text: c.Reason})
	}
	return nil
}

// applyPresenceTag folds the presence blob of JOIN and PART into the cache.
func (s *Session) applyPresenceTag(m *Message, source string) error {
	v, ok := m.Tag(TagPresence)
	if !ok {
		return nil
	}
	var info PresenceInfo
	if err := DecodeBlob(v, &info); err != nil {
		return &ProtocolError{Op: source, Msg: err.Error()}
	}
	for _, n := range info.Online {
		s.setPresence(n, true, source)
	}
	for _, n := range info.Offline {
		s.setPresence(n, false, source)
	}
	return nil
}

func (s *Session) handlePeerQuit(m *Message, c QuitCommand) {
	origin, err := m.OriginNick()
	if err != nil {
		return
	}
	if origin == s.nick {
		s.resolveQuit()
		return
	}
	s.setPresence(origin.String(), false, "quit")
}

func (s *Session) handleKick(m *Message, c KickCommand) {
	for i, ch := range c.Channels {
		for j, u := range c.Users {
			if len(c.Channels) > 1 && i != j {
				continue
			}
			ev := Event{Kind: EventChannel, Channel: ch, Nick: u, State: "kicked", Text: c.Comment}
			s.emit(ev)
		}
	}
}

func (s *Session) handleKill(m *Message, c KillCommand) {
	if n, err := ParseNick(c.Nick); err == nil && n == s.nick {
		log.Warn().Str("by", m.Origin).Str("comment", c.Comment).Msg("connection killed by server")
		return
	}
	s.setPresence(c.Nick, false, "kill")
}

// handleOther routes application commands to the packet path. ERROR lines
// end a quit.
func (s *Session) handleOther(ctx context.Context, m *Message, c OtherCommand) error {
	switch c.Command {
	case CmdPublishKeyBundle, CmdReadKeyBundle, CmdPublishBlob, CmdMultipartMediaUpload,
		CmdMultipartMediaDownload, CmdListBucket, CmdOfflineMessages, CmdDeleteOfflineMessage,
		CmdBadgeUpdate, CmdRegisterPushToken:
		if len(c.Params) == 0 {
			return &ProtocolError{Op: strings.ToLower(c.Command), Msg: "missing packet"}
		}
		return s.handlePacketText(ctx, m, c.Command, c.Params[len(c.Params)-1], false)
	case "ERROR":
		log.Warn().Str("message", m.LastArgument()).Msg("server error")
		if s.state.State() == StateDeregistering {
			s.resolveQuit()
		}
		return nil
	}
	log.Debug().Str("command", c.Command).Strs("params", c.Params).Msg("unhandled command")
	return nil
}

func (s *Session) handleNumeric(ctx context.Context, m *Message, c NumericCommand) error {
	switch c.Code {
	case RplWelcome:
		log.Info().Str("nick", m.Target).Str("text", m.LastArgument()).Msg("welcome")
	case RplYourHost, RplCreated, RplMyInfo, RplISupport:
		log.Debug().Int("code", c.Code).Strs("params", c.Params).Msg("server info")
	case RplMOTDStart:
		s.motd.Start()
	case RplMOTD:
		s.motd.Append(m.LastArgument())
	case RplEndOfMOTD, ErrNoMOTD:
		text := s.motd.Finish()
		s.emit(Event{Kind: EventMOTD, Text: text})
	case RplInfo, RplEndOfInfo:
		log.Info().Str("text", m.LastArgument()).Msg("server info")
	case RplIsOn:
		s.handleIsOnReply(m.LastArgument())
	case RplTopic:
		if len(c.Params) >= 2 {
			s.emit(Event{Kind: EventChannel, Channel: c.Params[0], State: "topic", Text: c.Params[len(c.Params)-1]})
		}
	case RplNoTopic:
		if len(c.Params) >= 1 {
			s.emit(Event{Kind: EventChannel, Channel: c.Params[0], State: "topic"})
		}
	case RplNamReply:
		s.handleNames(c.Params)
	case RplEndOfNames, RplEndOfWho, RplEndOfWhois, RplListEnd, RplEndOfBans:
		log.Trace().Int("code", c.Code).Msg("end of list")
	case RplList, RplListStart, RplWhoReply, RplWhoisUser, RplAway, RplUModeIs, RplChannelMode, RplBanList:
		log.Debug().Int("code", c.Code).Strs("params", c.Params).Msg("query reply")
	case ErrNicknameInUse, ErrErroneousNickname, ErrPasswdMismatch, ErrAlreadyRegistered:
		return s.failRegistration(c)
	default:
		if c.Code >= 400 {
			log.Warn().Int("code", c.Code).Strs("params", c.Params).Msg("server error reply")
			s.emit(Event{Kind: EventError, State: c.Name(), Error: m.LastArgument()})
		}
	}
	return nil
}

// handleNames marks every listed member online. The last parameter is the
// space separated member list, optionally with @ or + prefixes.
func (s *Session) handleNames(params []string) {
	if len(params) < 2 {
		return
	}
	channel := params[len(params)-2]
	members := strings.Fields(params[len(params)-1])
	for i, member := range members {
		member = strings.TrimLeft(member, "@+")
		members[i] = member
		if _, err := ParseNick(member); err == nil {
			s.setPresence(member, true, "names")
		}
	}
	s.emit(Event{Kind: EventChannel, Channel: channel, State: "names", Payload: []byte(strings.Join(members, " "))})
}

// handleIsOnReply updates presence for the last ISON query: listed nicks are
// online, the rest of the query offline.
func (s *Session) handleIsOnReply(list string) {
	online := make(map[string]bool)
	for _, n := range strings.Fields(list) {
		online[strings.ToLower(n)] = true
		s.setPresence(n, true, "ison")
	}
	s.mu.Lock()
	asked := s.isonAsk
	s.isonAsk = nil
	s.mu.Unlock()
	for _, n := range asked {
		if !online[strings.ToLower(n.String())] {
			s.setPresence(n.String(), false, "ison")
		}
	}
}

// failRegistration ends a pending registration on a fatal numeric.
func (s *Session) failRegistration(c NumericCommand) error {
	if st := s.state.State(); st != StateRegistering {
		return &StateError{Op: c.Name(), State: st}
	}
	s.mu.Lock()
	id := s.regID
	s.mu.Unlock()
	reason := c.Name()
	if len(c.Params) > 0 {
		reason += " " + c.Params[len(c.Params)-1]
	}
	s.correlator.Resolve(id, Reply{Err: &ProtocolError{Op: "register", Msg: reason}})
	return nil
}

func (s *Session) resolveQuit() {
	s.correlator.Resolve(quitCorrelationID, Reply{})
}

// setPresence records an observation and emits a presence event when it
// changed anything.
func (s *Session) setPresence(nick string, online bool, source string) {
	if s.presence.Update(nick, online, source) {
		s.emit(Event{Kind: EventPresence, Nick: nick, Online: online, State: source})
	}
}
