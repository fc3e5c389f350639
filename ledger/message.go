package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed message")

// Kind identifies one of the four protocol messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindQueryLatest
	KindQueryAll
	KindResponseLatest
	KindResponseAll
)

var kindNames = map[Kind]string{
	KindQueryLatest:    "QueryLatest",
	KindQueryAll:       "QueryAll",
	KindResponseLatest: "ResponseLatest",
	KindResponseAll:    "ResponseAll",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Message is a protocol message. Block is set for KindResponseLatest and
// Chain for KindResponseAll; both are zero for the queries.
type Message struct {
	Kind  Kind
	Block Block
	Chain []Block
}

func QueryLatest() Message { return Message{Kind: KindQueryLatest} }

func QueryAll() Message { return Message{Kind: KindQueryAll} }

func ResponseLatest(b Block) Message { return Message{Kind: KindResponseLatest, Block: b} }

func ResponseAll(chain []Block) Message { return Message{Kind: KindResponseAll, Chain: chain} }

// Encode returns the wire form of m:
//
//	"QueryLatest"
//	"QueryAll"
//	{"ResponseLatest": <block>}
//	{"ResponseAll": [<block>, ...]}
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses the wire form produced by Encode. Any deviation from it is
// reported as an error wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindQueryLatest, KindQueryAll:
		return json.Marshal(m.Kind.String())
	case KindResponseLatest:
		return json.Marshal(map[string]Block{m.Kind.String(): m.Block})
	case KindResponseAll:
		chain := m.Chain
		if chain == nil {
			chain = []Block{}
		}
		return json.Marshal(map[string][]Block{m.Kind.String(): chain})
	default:
		return nil, fmt.Errorf("cannot encode message of kind %d", m.Kind)
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	switch data[0] {
	case '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		kind := kindByName(name)
		if kind != KindQueryLatest && kind != KindQueryAll {
			return fmt.Errorf("%w: %q is not a unit variant", ErrMalformed, name)
		}
		*m = Message{Kind: kind}
		return nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(fields) != 1 {
			return fmt.Errorf("%w: expected exactly one variant key, got %d", ErrMalformed, len(fields))
		}
		var name string
		for name = range fields {
		}
		return m.decodeVariant(kindByName(name), name, fields[name])
	}
	return fmt.Errorf("%w: expected a string or an object", ErrMalformed)
}

func (m *Message) decodeVariant(kind Kind, name string, raw json.RawMessage) error {
	switch kind {
	case KindQueryLatest, KindQueryAll:
		// {"QueryAll": null} is the map form of a unit variant.
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%w: %s takes no payload", ErrMalformed, name)
		}
		*m = Message{Kind: kind}
	case KindResponseLatest:
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		*m = ResponseLatest(b)
	case KindResponseAll:
		var chain *[]Block
		if err := json.Unmarshal(raw, &chain); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
		if chain == nil {
			return fmt.Errorf("%w: %s: null chain", ErrMalformed, name)
		}
		*m = ResponseAll(*chain)
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrMalformed, name)
	}
	return nil
}

func kindByName(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// blockJSON mirrors Block with pointers so missing fields can be detected.
type blockJSON struct {
	PrevHash  *Hash      `json:"prev_hash"`
	Index     *uint32    `json:"index"`
	Timestamp *Timestamp `json:"timestamp"`
	Data      *string    `json:"data"`
	Hash      *Hash      `json:"hash"`
}

// UnmarshalJSON requires every field to be present. The hash is taken as
// given; whether it matches the content is up to validation.
func (b *Block) UnmarshalJSON(data []byte) error {
	var aux blockJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.PrevHash == nil:
		return fmt.Errorf("block: missing field prev_hash")
	case aux.Index == nil:
		return fmt.Errorf("block: missing field index")
	case aux.Timestamp == nil:
		return fmt.Errorf("block: missing field timestamp")
	case aux.Data == nil:
		return fmt.Errorf("block: missing field data")
	case aux.Hash == nil:
		return fmt.Errorf("block: missing field hash")
	}
	*b = Block{
		PrevHash:  *aux.PrevHash,
		Index:     *aux.Index,
		Timestamp: *aux.Timestamp,
		Data:      *aux.Data,
		Hash:      *aux.Hash,
	}
	return nil
}

// UnmarshalJSON accepts exactly 32 integers in 0..255.
func (h *Hash) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return fmt.Errorf("hash: expected an array of %d bytes", HashSize)
	}
	var raw []uint8
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if len(raw) != HashSize {
		return fmt.Errorf("hash: expected %d bytes, got %d", HashSize, len(raw))
	}
	copy(h[:], raw)
	return nil
}
