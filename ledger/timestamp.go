package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// Timestamp is a count of milliseconds since the Unix epoch with 128 bits of
// range. Only the low word is ever filled by a real clock; the high word
// exists so that blocks produced by peers using the full range still hash and
// decode correctly.
type Timestamp struct {
	Hi uint64
	Lo uint64
}

// Millis returns the timestamp for ms milliseconds since the epoch.
func Millis(ms uint64) Timestamp {
	return Timestamp{Lo: ms}
}

// TimestampFromTime converts t to millisecond resolution. Times before the
// epoch map to zero.
func TimestampFromTime(t time.Time) Timestamp {
	ms := t.UnixMilli()
	if ms < 0 {
		return Timestamp{}
	}
	return Millis(uint64(ms))
}

// Bytes returns the 16-byte big-endian encoding used for hashing.
func (t Timestamp) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], t.Hi)
	binary.BigEndian.PutUint64(b[8:], t.Lo)
	return b
}

// Time converts t back to a time.Time. The second result is false when t does
// not fit in an int64 millisecond count.
func (t Timestamp) Time() (time.Time, bool) {
	if t.Hi != 0 || t.Lo > 1<<63-1 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(t.Lo)), true
}

func (t Timestamp) String() string {
	return t.big().String()
}

func (t Timestamp) big() *big.Int {
	b := t.Bytes()
	return new(big.Int).SetBytes(b[:])
}

// MarshalJSON encodes t as a bare JSON integer, never as a float or string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts only a non-negative JSON integer of at most 128 bits.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("timestamp: empty value")
	}
	for _, c := range data {
		if c < '0' || c > '9' {
			return fmt.Errorf("timestamp: %q is not an unsigned integer", data)
		}
	}
	if len(data) > 1 && data[0] == '0' {
		return fmt.Errorf("timestamp: %q has a leading zero", data)
	}
	v, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return fmt.Errorf("timestamp: cannot parse %q", data)
	}
	if v.BitLen() > 128 {
		return fmt.Errorf("timestamp: %s overflows 128 bits", v)
	}
	var buf [16]byte
	v.FillBytes(buf[:])
	t.Hi = binary.BigEndian.Uint64(buf[:8])
	t.Lo = binary.BigEndian.Uint64(buf[8:])
	return nil
}
