package ircsession

import (
	"fmt"
	"strconv"
	"strings"
)

// unbounded marks a command without an upper argument limit.
const unbounded = -1

// arity is the inclusive argument-count contract of a command.
type arity struct {
	min, max int
}

func (a arity) allows(n int) bool {
	return n >= a.min && (a.max == unbounded || n <= a.max)
}

var commandArity = map[string]arity{
	"NICK":    {1, 1},
	"USER":    {4, 4},
	"PASS":    {1, 1},
	"PING":    {1, 2},
	"PONG":    {1, 2},
	"JOIN":    {1, 2},
	"PART":    {1, 2},
	"PRIVMSG": {2, 2},
	"NOTICE":  {2, 2},
	"MODE":    {1, unbounded},
	"LIST":    {0, 2},
	"ISON":    {1, unbounded},
	"WHO":     {0, 2},
	"WHOIS":   {1, 2},
	"KICK":    {2, 3},
	"KILL":    {2, 2},
	"QUIT":    {0, 1},
	"CAP":     {1, 3},
}

// numericArity covers the target plus parameters of numeric replies.
var numericArity = arity{0, unbounded}

// otherArity covers application commands.
var otherArity = arity{0, unbounded}

// arityOf returns the contract for a command name.
func arityOf(name string) arity {
	if a, ok := commandArity[name]; ok {
		return a
	}
	if isNumericName(name) {
		return numericArity
	}
	return otherArity
}

// Encode renders m as one CRLF-terminated wire line.
func Encode(m *Message) (string, error) {
	if m == nil || m.Command == nil {
		return "", fmt.Errorf("encode: message has no command")
	}
	name := m.Command.Name()
	if name == "" || strings.ContainsAny(name, " \r\n:") {
		return "", fmt.Errorf("encode: invalid command name %q", name)
	}

	var b strings.Builder
	if len(m.Tags) > 0 {
		block, err := encodeTags(m.Tags)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", name, err)
		}
		b.WriteByte('@')
		b.WriteString(block)
		b.WriteByte(' ')
	}
	if m.Origin != "" {
		if strings.ContainsAny(m.Origin, " \r\n") {
			return "", fmt.Errorf("encode %s: origin %q contains whitespace", name, m.Origin)
		}
		b.WriteByte(':')
		b.WriteString(m.Origin)
		b.WriteByte(' ')
	}
	params := m.Command.params()
	if isNumericName(name) && m.Target == "" && len(params) > 0 {
		// the first parameter would be read back as the target
		return "", fmt.Errorf("encode %s: numeric reply with parameters needs a target", name)
	}
	b.WriteString(name)
	if m.Target != "" {
		if strings.ContainsAny(m.Target, " \r\n") || m.Target[0] == ':' {
			return "", fmt.Errorf("encode %s: invalid target %q", name, m.Target)
		}
		b.WriteByte(' ')
		b.WriteString(m.Target)
	}

	for i, p := range params {
		if strings.ContainsAny(p, "\r\n\x00") {
			return "", fmt.Errorf("encode %s: parameter %d contains a line break", name, i)
		}
		b.WriteByte(' ')
		if i == len(params)-1 {
			if m.Command.trailing() || needsColon(p) {
				b.WriteByte(':')
			}
			b.WriteString(p)
			break
		}
		if needsColon(p) {
			return "", fmt.Errorf("encode %s: middle parameter %d %q cannot carry spaces", name, i, p)
		}
		b.WriteString(p)
	}
	b.WriteString("\r\n")
	return b.String(), nil
}

func needsColon(p string) bool {
	return p == "" || p[0] == ':' || strings.ContainsRune(p, ' ')
}

// Decode parses one wire line. A trailing CRLF is optional.
func Decode(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	m := &Message{}

	if strings.HasPrefix(line, "@") {
		block, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return nil, parseErr(ParseMissingCommand, "", "tag block without command")
		}
		tags, err := decodeTags(block)
		if err != nil {
			return nil, err
		}
		m.Tags = tags
		line = rest
	}
	line = strings.TrimLeft(line, " ")

	if strings.HasPrefix(line, ":") {
		origin, rest, ok := strings.Cut(line[1:], " ")
		if !ok || origin == "" {
			return nil, parseErr(ParseMissingCommand, "", "origin without command")
		}
		m.Origin = origin
		line = rest
	}

	name, args := splitParams(line)
	if name == "" {
		return nil, parseErr(ParseMissingCommand, "", "empty line")
	}
	name = strings.ToUpper(name)

	if isNumericName(name) {
		return decodeNumeric(m, name, args)
	}

	if a := arityOf(name); !a.allows(len(args)) {
		return nil, parseErr(ParseArgumentCount, name, "got %d arguments, want %s", len(args), a)
	}
	cmd, err := decodeCommand(name, args)
	if err != nil {
		return nil, err
	}
	m.Command = cmd
	m.Arguments = nilIfEmpty(args)
	return m, nil
}

func (a arity) String() string {
	if a.max == unbounded {
		return fmt.Sprintf("at least %d", a.min)
	}
	if a.min == a.max {
		return strconv.Itoa(a.min)
	}
	return fmt.Sprintf("%d..%d", a.min, a.max)
}

// splitParams splits the command token from its parameters. A parameter
// starting with ':' consumes the rest of the line.
func splitParams(line string) (string, []string) {
	var tokens []string
	for {
		line = strings.TrimLeft(line, " ")
		if line == "" {
			break
		}
		if line[0] == ':' && len(tokens) > 0 {
			tokens = append(tokens, line[1:])
			break
		}
		tok, rest, _ := strings.Cut(line, " ")
		tokens = append(tokens, tok)
		line = rest
	}
	if len(tokens) == 0 {
		return "", nil
	}
	return tokens[0], tokens[1:]
}

func isNumericName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// decodeNumeric shifts the argument window past the target field.
func decodeNumeric(m *Message, name string, args []string) (*Message, error) {
	if !numericArity.allows(len(args)) {
		return nil, parseErr(ParseArgumentCount, name, "got %d arguments", len(args))
	}
	code, _ := strconv.Atoi(name)
	if len(args) > 0 {
		m.Target = args[0]
		args = args[1:]
	}
	if code == RplMOTD || code == RplInfo {
		args = stripBodyBreaks(args)
	}
	params := nilIfEmpty(args)
	m.Command = NewNumeric(code, params...)
	m.Arguments = params
	return m, nil
}

var bodyBreakStripper = strings.NewReplacer("\r", "", "\n", "", `\r\n`, "", `\r`, "", `\n`, "")

// stripBodyBreaks removes line-break fragments that some servers collapse
// into MOTD and INFO bodies.
func stripBodyBreaks(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = bodyBreakStripper.Replace(a)
	}
	return out
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func decodeCommand(name string, args []string) (Command, error) {
	switch name {
	case "NICK":
		n, err := ParseNick(args[0])
		if err != nil {
			return nil, withCommand(err, name)
		}
		return NickCommand{Nick: n}, nil
	case "USER":
		return UserCommand{Username: args[0], Mode: args[1], Realname: args[3]}, nil
	case "PASS":
		return PassCommand{Password: args[0]}, nil
	case "PING":
		return PingCommand{Token: args[0], Server: argAt(args, 1)}, nil
	case "PONG":
		return PongCommand{Token: args[0], Server: argAt(args, 1)}, nil
	case "JOIN":
		return decodeJoin(args)
	case "PART":
		channels, err := decodeChannels(name, args[0])
		if err != nil {
			return nil, err
		}
		return PartCommand{Channels: channels, Reason: argAt(args, 1)}, nil
	case "PRIVMSG", "NOTICE":
		recipients, err := decodeRecipients(name, args[0])
		if err != nil {
			return nil, err
		}
		if name == "NOTICE" {
			return NoticeCommand{Recipients: recipients, Text: args[1]}, nil
		}
		return PrivMsgCommand{Recipients: recipients, Text: args[1]}, nil
	case "MODE":
		return decodeMode(args)
	case "LIST":
		var c ListCommand
		if len(args) > 0 {
			c.Channels = splitList(args[0])
			c.Server = argAt(args, 1)
		}
		return c, nil
	case "ISON":
		return decodeIsOn(args)
	case "WHO":
		var c WhoCommand
		if len(args) > 0 {
			c.Mask = args[0]
			c.OperatorsOnly = argAt(args, 1) == "o"
		}
		return c, nil
	case "WHOIS":
		if len(args) == 2 {
			return WhoIsCommand{Server: args[0], Masks: splitList(args[1])}, nil
		}
		return WhoIsCommand{Masks: splitList(args[0])}, nil
	case "KICK":
		channels, err := decodeChannels(name, args[0])
		if err != nil {
			return nil, err
		}
		return KickCommand{Channels: channels, Users: splitList(args[1]), Comment: argAt(args, 2)}, nil
	case "KILL":
		return KillCommand{Nick: args[0], Comment: args[1]}, nil
	case "QUIT":
		return QuitCommand{Reason: argAt(args, 0)}, nil
	case "CAP":
		return decodeCap(args)
	default:
		return OtherCommand{Command: name, Params: nilIfEmpty(args)}, nil
	}
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func withCommand(err error, command string) error {
	if pe, ok := err.(*ParseError); ok && pe.Command == "" {
		cp := *pe
		cp.Command = command
		return &cp
	}
	return err
}

func decodeJoin(args []string) (Command, error) {
	if args[0] == "0" && len(args) == 1 {
		return Join0Command{}, nil
	}
	channels, err := decodeChannels("JOIN", args[0])
	if err != nil {
		return nil, err
	}
	c := JoinCommand{Channels: channels}
	if len(args) > 1 {
		c.Keys = splitList(args[1])
	}
	return c, nil
}

func decodeChannels(command, list string) ([]string, error) {
	channels := splitList(list)
	if len(channels) == 0 {
		return nil, parseErr(ParseInvalidChannel, command, "empty channel list")
	}
	for _, ch := range channels {
		if err := ValidateChannel(ch); err != nil {
			return nil, withCommand(err, command)
		}
	}
	return channels, nil
}

func decodeRecipients(command, list string) ([]string, error) {
	recipients := splitList(list)
	if len(recipients) == 0 {
		return nil, parseErr(ParseInvalidTarget, command, "no recipients")
	}
	for _, r := range recipients {
		if command == "NOTICE" && r == "*" {
			continue
		}
		if err := validateRecipient(command, r); err != nil {
			return nil, err
		}
	}
	return recipients, nil
}

func decodeIsOn(args []string) (Command, error) {
	if len(args) == 1 && strings.ContainsRune(args[0], ' ') {
		args = strings.Fields(args[0])
	}
	nicks := make([]Nick, 0, len(args))
	for _, a := range args {
		n, err := ParseNick(a)
		if err != nil {
			return nil, withCommand(err, "ISON")
		}
		nicks = append(nicks, n)
	}
	return IsOnCommand{Nicks: nicks}, nil
}

func decodeMode(args []string) (Command, error) {
	target := args[0]
	if IsChannel(target) {
		if err := ValidateChannel(target); err != nil {
			return nil, withCommand(err, "MODE")
		}
		switch {
		case len(args) == 1:
			return ChannelModeGetCommand{Channel: target}, nil
		case len(args) == 2 && args[1] == "b":
			return ChannelModeGetBanMaskCommand{Channel: target}, nil
		}
		c := ChannelModeCommand{Channel: target}
		for _, tok := range args[1:] {
			if tok != "" && (tok[0] == '+' || tok[0] == '-') {
				add, remove := parseModeToken(tok)
				c.Add += add
				c.Remove += remove
				continue
			}
			c.Params = append(c.Params, tok)
		}
		return c, nil
	}

	nick, err := ParseNick(target)
	if err != nil {
		return nil, withCommand(err, "MODE")
	}
	if len(args) == 1 {
		return ModeGetCommand{Nick: nick}, nil
	}
	c := ModeCommand{Nick: nick}
	for _, tok := range args[1:] {
		if tok == "" || (tok[0] != '+' && tok[0] != '-') {
			return nil, parseErr(ParseArgumentCount, "MODE", "unexpected user mode parameter %q", tok)
		}
		add, remove := parseModeToken(tok)
		c.Add += add
		c.Remove += remove
	}
	return c, nil
}

// parseModeToken splits a token such as "+iw-x" into added and removed letters.
func parseModeToken(tok string) (add, remove string) {
	adding := true
	for _, r := range tok {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			if adding {
				add += string(r)
			} else {
				remove += string(r)
			}
		}
	}
	return add, remove
}

func decodeCap(args []string) (Command, error) {
	c := CapCommand{}
	rest := args
	if sub := CapSubcommand(strings.ToUpper(args[0])); sub.valid() {
		c.Subcommand = sub
		rest = args[1:]
	} else if len(args) >= 2 && CapSubcommand(strings.ToUpper(args[1])).valid() {
		c.Target = args[0]
		c.Subcommand = CapSubcommand(strings.ToUpper(args[1]))
		rest = args[2:]
	} else {
		return nil, parseErr(ParseUnknownCapability, "CAP", "unknown subcommand in %q", strings.Join(args, " "))
	}
	if len(rest) > 1 {
		return nil, parseErr(ParseArgumentCount, "CAP", "too many arguments after %s", c.Subcommand)
	}
	if len(rest) == 1 {
		c.Capabilities = strings.Fields(rest[0])
	}
	return c, nil
}
