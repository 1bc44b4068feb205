package changelog

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Uint64Parser is a RecordParser for logs keyed by uint64 change numbers
// with raw byte values.
//
// Keys are rendered as zero-padded 20-digit decimal strings, so the string
// form sorts the same way the numbers do and contains no '_' or '.'. The
// maximum-key sentinel is math.MaxUint64; callers must not append a record
// with that key.
type Uint64Parser struct{}

// Compare implements RecordParser.
func (Uint64Parser) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// EncodeKeyToString implements RecordParser.
func (Uint64Parser) EncodeKeyToString(key uint64) string {
	const width = 20 // digits in math.MaxUint64
	s := strconv.FormatUint(key, 10)
	if pad := width - len(s); pad > 0 {
		b := make([]byte, width)
		for i := 0; i < pad; i++ {
			b[i] = '0'
		}
		copy(b[pad:], s)
		return string(b)
	}
	return s
}

// DecodeKeyFromString implements RecordParser.
func (Uint64Parser) DecodeKeyFromString(s string) (uint64, error) {
	key, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "decode key")
	}
	return key, nil
}

// MaxKey implements RecordParser.
func (Uint64Parser) MaxKey() uint64 {
	return math.MaxUint64
}

// EncodeRecord implements RecordParser. The payload is the 8-byte big-endian
// key followed by the value bytes.
func (Uint64Parser) EncodeRecord(rec Record[uint64, []byte]) ([]byte, error) {
	payload := make([]byte, 8+len(rec.Value))
	binary.BigEndian.PutUint64(payload, rec.Key)
	copy(payload[8:], rec.Value)
	return payload, nil
}

// DecodeRecord implements RecordParser.
func (Uint64Parser) DecodeRecord(payload []byte) (Record[uint64, []byte], error) {
	if len(payload) < 8 {
		return Record[uint64, []byte]{}, errors.Errorf("record payload too short: %d bytes", len(payload))
	}
	value := make([]byte, len(payload)-8)
	copy(value, payload[8:])
	return Record[uint64, []byte]{
		Key:   binary.BigEndian.Uint64(payload),
		Value: value,
	}, nil
}
