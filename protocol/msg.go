package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/learn-decentralized-systems/toytlv"
)

// MsgLit is the ToyTLV record type of every topicsync message.
const MsgLit = 'M'

var (
	ErrBadFrame          = errors.New("topicsync: malformed message frame")
	ErrAddressInvalid    = errors.New("topicsync: the address is invalid")
	ErrAddressDuplicated = errors.New("topicsync: the address is already used")
	ErrAddressUnknown    = errors.New("topicsync: address unknown")
)

// Message is the JSON body of one wire record: a message type plus
// named arguments.
type Message struct {
	Type string         `json:"type"`
	Args map[string]any `json:"args"`
}

// MakeMessage frames a message as one wire record.
func MakeMessage(typ string, args map[string]any) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(Message{Type: typ, Args: args})
	if err != nil {
		return nil, err
	}
	return toytlv.Record(MsgLit, body), nil
}

// ParseMessage unpacks one wire record. Trailing bytes, a wrong record
// type or a non-JSON body all fail as a bad frame.
func ParseMessage(rec []byte) (*Message, error) {
	body, rest := toytlv.Take(MsgLit, rec)
	if body == nil || len(rest) != 0 {
		return nil, ErrBadFrame
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if m.Args == nil {
		m.Args = map[string]any{}
	}
	return &m, nil
}

// Split cuts complete records off the front of buf, leaving a partial
// tail for the next read.
func Split(buf *bytes.Buffer) (recs Records, err error) {
	for buf.Len() > 0 {
		lit, hlen, blen := toytlv.ProbeHeader(buf.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadFrame
			}
			return
		}
		if lit == 0 || hlen+blen > buf.Len() {
			return // incomplete record, wait for more bytes
		}
		rec := make([]byte, hlen+blen)
		if _, err = buf.Read(rec); err != nil {
			return
		}
		recs = append(recs, rec)
	}
	return
}
