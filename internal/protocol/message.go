// Package protocol defines the peer wire protocol: self-describing CBOR
// messages carrying the same operations as the local instance API, and
// a length-prefixed codec for byte streams.
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

// Command is the operation a message carries.
type Command uint64

const (
	CmdGet           Command = 1
	CmdUpdate        Command = 2
	CmdGive          Command = 3
	CmdCreate        Command = 4
	CmdCreateReply   Command = 5
	CmdUpdateRequest Command = 6
	CmdSub           Command = 7
	CmdGetSub        Command = 8
)

var commandNames = map[Command]string{
	CmdGet:           "GET",
	CmdUpdate:        "UPDATE",
	CmdGive:          "GIVE",
	CmdCreate:        "CREATE",
	CmdCreateReply:   "CREATE-REPLY",
	CmdUpdateRequest: "UPDATE-REQUEST",
	CmdSub:           "SUB",
	CmdGetSub:        "GET-SUB",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint64(c))
}

// Known reports whether c is one of the defined commands.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// Message is one protocol message.
type Message struct {
	Cmd  Command
	ID   ident.ID
	Data value.Value
}

func (m Message) String() string {
	if len(m.ID) == 0 {
		return m.Cmd.String()
	}
	return m.Cmd.String() + " " + m.ID.String()
}

// wireMessage is the integer-keyed map form. Field decoding is by key,
// so peers may write the keys in any order.
type wireMessage struct {
	Cmd  uint64          `cbor:"1,keyasint"`
	ID   []string        `cbor:"2,keyasint,omitempty"`
	Data cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

var (
	wireEncMode cbor.EncMode
	wireDecMode cbor.DecMode
)

func init() {
	var err error
	wireEncMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic("protocol: cbor enc mode: " + err.Error())
	}
	wireDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		UTF8:      cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("protocol: cbor dec mode: " + err.Error())
	}
}

// Marshal encodes m as a CBOR map {1: cmd, 2: id, 3: data}.
func Marshal(m Message) ([]byte, error) {
	w := wireMessage{Cmd: uint64(m.Cmd), ID: m.ID}
	if m.Data != nil && !value.IsNull(m.Data) {
		data, err := value.MarshalCBOR(m.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Cmd, err)
		}
		w.Data = data
	}
	out, err := wireEncMode.Marshal(&w)
	if err != nil {
		return nil, fault.Wrap(fault.KindDecode, "encode "+m.Cmd.String(), err)
	}
	return out, nil
}

// Unmarshal decodes one message. A missing payload decodes as Null.
// Command codes are not checked here; dispatch rejects unknown ones.
func Unmarshal(data []byte) (Message, error) {
	var w wireMessage
	if err := wireDecMode.Unmarshal(data, &w); err != nil {
		return Message{}, fault.Decode("decode message", err)
	}
	if w.Cmd == 0 {
		return Message{}, fault.New(fault.KindDecode, "decode message: missing command")
	}

	m := Message{Cmd: Command(w.Cmd), ID: ident.New(w.ID...), Data: value.Null{}}
	if len(w.Data) > 0 {
		v, err := value.UnmarshalCBOR(w.Data)
		if err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", m.Cmd, err)
		}
		m.Data = v
	}
	return m, nil
}

// Get asks a peer for the value at id.
func Get(id ident.ID) Message {
	return Message{Cmd: CmdGet, ID: id, Data: value.Null{}}
}

// GetSub asks for the value at id and a subscription to it.
func GetSub(id ident.ID) Message {
	return Message{Cmd: CmdGetSub, ID: id, Data: value.Null{}}
}

// Sub subscribes to id without an initial GIVE.
func Sub(id ident.ID) Message {
	return Message{Cmd: CmdSub, ID: id, Data: value.Null{}}
}

// Update carries a merge-write, or a notification of one.
func Update(id ident.ID, v value.Value) Message {
	return Message{Cmd: CmdUpdate, ID: id, Data: v}
}

// UpdateRequest asks a peer to apply a write.
func UpdateRequest(id ident.ID, v value.Value) Message {
	return Message{Cmd: CmdUpdateRequest, ID: id, Data: v}
}

// Give answers a GET.
func Give(id ident.ID, v value.Value) Message {
	return Message{Cmd: CmdGive, ID: id, Data: v}
}

// Create asks a peer to reserve a fresh store key.
func Create() Message {
	return Message{Cmd: CmdCreate, Data: value.Null{}}
}

// CreateReply answers CREATE with the new [namespace, key] identifier.
func CreateReply(id ident.ID) Message {
	return Message{Cmd: CmdCreateReply, ID: id, Data: value.Null{}}
}
