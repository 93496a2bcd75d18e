// Package wire defines the application command schema shared by every
// peerchat node: the tagged Command variant carried over gossip, the
// MemoryKey/MemoryValue pairs stored in the DHT, and the validation
// bounds a command must satisfy before the rest of the engine is
// allowed to see it.
//
// Encoding is CBOR with integer struct keys: compact, self-describing,
// and deliberately unforgiving — schema drift decodes to an error, not
// to a guess.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxMessageLength bounds MessageSend contents, in bytes.
	MaxMessageLength = 512
	// MaxNicknameLength bounds nicknames, in bytes.
	MaxNicknameLength = 20
	// MaxChannelLength bounds channel identifiers, in bytes.
	MaxChannelLength = 64
)

var (
	// ErrMalformed reports bytes that do not decode as a known command.
	ErrMalformed = errors.New("wire: malformed command")
	// ErrInvalidCommand reports a structurally-decoded command that
	// fails the validity predicate.
	ErrInvalidCommand = errors.New("wire: command failed validation")
)

type CommandKind uint8

const (
	CmdChannelUpdate  CommandKind = 1
	CmdChannelJoin    CommandKind = 2
	CmdChannelLeave   CommandKind = 3
	CmdMessageSend    CommandKind = 4
	CmdNicknameUpdate CommandKind = 5
)

type MessageKind uint8

const (
	MessageNormal MessageKind = 0
	MessageEmote  MessageKind = 1
)

// ChannelInfo is the channel metadata payload of CmdChannelUpdate and
// of channel records in the DHT.
type ChannelInfo struct {
	Ident   string `cbor:"1,keyasint"`
	Owner   string `cbor:"2,keyasint,omitempty"`
	Version uint64 `cbor:"3,keyasint,omitempty"`
}

// Command is the single wire variant. Kind selects which of the
// remaining fields are meaningful; unused fields stay at their zero
// value and are omitted from the encoding.
type Command struct {
	Kind CommandKind `cbor:"1,keyasint"`

	// CmdChannelUpdate
	Channel *ChannelInfo `cbor:"2,keyasint,omitempty"`

	// CmdChannelJoin / CmdChannelLeave / CmdMessageSend target
	ChannelID string `cbor:"3,keyasint,omitempty"`

	// CmdMessageSend
	Contents  string      `cbor:"4,keyasint,omitempty"`
	Timestamp uint64      `cbor:"5,keyasint,omitempty"`
	Message   MessageKind `cbor:"6,keyasint,omitempty"`

	// CmdNicknameUpdate
	Nickname string `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		UTF8:        cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewMessageSend builds a chat message command.
func NewMessageSend(contents string, kind MessageKind, channel string, timestamp uint64) Command {
	return Command{
		Kind:      CmdMessageSend,
		ChannelID: channel,
		Contents:  contents,
		Timestamp: timestamp,
		Message:   kind,
	}
}

// NewNicknameUpdate builds a nickname announcement command.
func NewNicknameUpdate(nick string) Command {
	return Command{Kind: CmdNicknameUpdate, Nickname: nick}
}

// Encode serializes a command, refusing values that would fail
// validation on the receiving side.
func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// DecodeCommand parses and validates peer input. A command that comes
// back non-nil-error here must never reach the application layer.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := decMode.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Validate applies the schema bounds. Metadata and join/leave variants
// carry no structural constraint beyond having a known kind.
func (c Command) Validate() error {
	switch c.Kind {
	case CmdChannelUpdate, CmdChannelJoin, CmdChannelLeave:
		return nil
	case CmdMessageSend:
		if len(c.Contents) == 0 {
			return fmt.Errorf("%w: empty message contents", ErrInvalidCommand)
		}
		if len(c.Contents) > MaxMessageLength {
			return fmt.Errorf("%w: message contents %d bytes exceeds %d", ErrInvalidCommand, len(c.Contents), MaxMessageLength)
		}
		if len(c.ChannelID) > MaxChannelLength {
			return fmt.Errorf("%w: channel identifier %d bytes exceeds %d", ErrInvalidCommand, len(c.ChannelID), MaxChannelLength)
		}
		return nil
	case CmdNicknameUpdate:
		if len(c.Nickname) == 0 {
			return fmt.Errorf("%w: empty nickname", ErrInvalidCommand)
		}
		if len(c.Nickname) > MaxNicknameLength {
			return fmt.Errorf("%w: nickname %d bytes exceeds %d", ErrInvalidCommand, len(c.Nickname), MaxNicknameLength)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command kind %d", ErrMalformed, c.Kind)
	}
}
