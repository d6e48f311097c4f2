package domain

import (
	"encoding/json"
	"fmt"
)

// Role is the lifecycle state of a relay connection.
type Role string

const (
	RoleUnidentified Role = "unidentified"
	RoleProducer     Role = "producer"
	RoleController   Role = "controller"
)

// ParseRole maps a declared role to its canonical value.
func ParseRole(declared string) (Role, bool) {
	switch declared {
	case "producer":
		return RoleProducer, true
	case "controller":
		return RoleController, true
	default:
		return "", false
	}
}

// roleAliases are the spellings older show-control clients declare.
var roleAliases = map[string]Role{
	"td": RoleProducer,
	"ui": RoleController,
}

// CommandName is the value of the "command" field.
type CommandName string

const (
	CommandStart CommandName = "start"
	CommandStop  CommandName = "stop"
	CommandHello CommandName = "hello"
)

// IsRelayed reports whether messages carrying this command are fanned out to producers.
func (c CommandName) IsRelayed() bool {
	return c == CommandStart || c == CommandStop
}

const (
	TypeIdentify   = "identify"
	ReasonBadToken = "bad token"
)

// Message is the recognized shape of an inbound record.
type Message interface{ isMessage() }

type baseMessage struct{}

func (baseMessage) isMessage() {}

// Identify declares the role of the sending connection.
type Identify struct {
	baseMessage
	Role Role
}

// Command is a relay-worthy command. Fields holds every top-level field of the
// record (token and command included) so callers can inspect extra metadata
// such as a target identifier.
type Command struct {
	baseMessage
	Name   CommandName
	Fields map[string]json.RawMessage
}

// StringField returns a top-level string field of the command, e.g. a target id.
func (c Command) StringField(key string) (string, bool) {
	return stringField(c.Fields, key)
}

// Unrecognized is an authenticated record the relay has no behavior for.
type Unrecognized struct {
	baseMessage
}

// Envelope is one parsed inbound frame.
type Envelope struct {
	token    string
	hasToken bool

	Body Message
	// Raw is the frame exactly as received; forwarded commands use it verbatim.
	Raw []byte
}

// Authenticated reports whether the record carries a string token equal to secret.
func (e Envelope) Authenticated(secret string) bool {
	return e.hasToken && e.token == secret
}

// Parser decodes inbound frames. With RoleAliases set, identify also accepts
// "td" for producer and "ui" for controller.
type Parser struct {
	RoleAliases bool
}

// ParseEnvelope parses with the canonical role names only.
func ParseEnvelope(raw []byte) (Envelope, error) {
	return Parser{}.Parse(raw)
}

// Parse decodes a frame into an Envelope. Anything that is not a JSON object
// yields ErrMalformedMessage.
func (p Parser) Parse(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	env := Envelope{Raw: raw}
	env.token, env.hasToken = stringField(fields, "token")
	env.Body = p.classify(fields)
	return env, nil
}

// classify picks the variant. An identify with an unknown role falls through
// to the command check.
func (p Parser) classify(fields map[string]json.RawMessage) Message {
	if typ, _ := stringField(fields, "type"); typ == TypeIdentify {
		declared, _ := stringField(fields, "role")
		if role, ok := p.role(declared); ok {
			return Identify{Role: role}
		}
	}

	if command, ok := stringField(fields, "command"); ok {
		if name := CommandName(command); name.IsRelayed() {
			return Command{Name: name, Fields: fields}
		}
	}

	return Unrecognized{}
}

func (p Parser) role(declared string) (Role, bool) {
	if role, ok := ParseRole(declared); ok {
		return role, true
	}
	if p.RoleAliases {
		role, ok := roleAliases[declared]
		return role, ok
	}
	return "", false
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	value, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", false
	}
	return s, true
}

// Ack is the reply to a successful identify.
type Ack struct {
	Command CommandName `json:"command"`
}

// ErrorReply is the only error ever surfaced to a connection.
type ErrorReply struct {
	Error string `json:"error"`
}

// Reply is the union of the replies a client can receive for its own messages.
type Reply struct {
	Command CommandName `json:"command,omitempty"`
	Error   string      `json:"error,omitempty"`
}
