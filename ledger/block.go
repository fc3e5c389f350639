package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	// HashSize is the size in bytes of a block digest.
	HashSize = sha256.Size

	genesisData = "genesis data"
)

var (
	ErrIndexMismatch    = errors.New("index does not follow the previous block")
	ErrPrevHashMismatch = errors.New("prev_hash does not match the previous block hash")
	ErrHashMismatch     = errors.New("hash does not match the block content")
)

// Hash is a SHA-256 digest.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex digits of the hash, for logs and tables.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Block is an immutable, hash-linked ledger entry.
// Hash is computed once by NewBlock and is only recomputed to verify a block.
type Block struct {
	PrevHash  Hash      `json:"prev_hash"`
	Index     uint32    `json:"index"`
	Timestamp Timestamp `json:"timestamp"`
	Data      string    `json:"data"`
	Hash      Hash      `json:"hash"`
}

// NewBlock builds a block and stores its hash.
func NewBlock(prevHash Hash, index uint32, timestamp Timestamp, data string) Block {
	b := Block{
		PrevHash:  prevHash,
		Index:     index,
		Timestamp: timestamp,
		Data:      data,
	}
	b.Hash = calculateHash(b)
	return b
}

// GenerateBlock creates the successor of prev carrying data, stamped with the
// current wall-clock time in milliseconds.
func GenerateBlock(data string, prev Block) Block {
	return GenerateBlockAt(data, prev, time.Now())
}

// GenerateBlockAt is GenerateBlock with an explicit creation time.
func GenerateBlockAt(data string, prev Block, now time.Time) Block {
	return NewBlock(prev.Hash, prev.Index+1, TimestampFromTime(now), data)
}

// Genesis returns the fixed first block every valid chain starts with.
func Genesis() Block {
	return NewBlock(Hash{}, 0, Timestamp{}, genesisData)
}

// Validate reports whether b is a valid successor of prev.
func (b Block) Validate(prev Block) bool {
	return b.Check(prev) == nil
}

// Check is Validate returning the first violated condition.
func (b Block) Check(prev Block) error {
	if b.Index != prev.Index+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrIndexMismatch, prev.Index+1, b.Index)
	}
	if b.PrevHash != prev.Hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrPrevHashMismatch, prev.Hash, b.PrevHash)
	}
	if expected := calculateHash(b); b.Hash != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, b.Hash)
	}
	return nil
}

// calculateHash computes
// SHA256(prev_hash ++ be32(index) ++ be128(timestamp) ++ utf8(data)).
// Other implementations hash the same byte layout, so it must not change.
func calculateHash(b Block) Hash {
	h := sha256.New()
	h.Write(b.PrevHash[:])

	var index [4]byte
	binary.BigEndian.PutUint32(index[:], b.Index)
	h.Write(index[:])

	ts := b.Timestamp.Bytes()
	h.Write(ts[:])

	h.Write([]byte(b.Data))

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
