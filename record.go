package changelog

// Record is the unit of storage: an opaque value filed under a totally
// ordered key.
type Record[K, V any] struct {
	Key   K
	Value V
}

// RecordParser centralizes all key- and value-specific behaviour for a log:
// the total order over keys, the string form of keys used in rotated file
// names, the byte codec for whole records, and the maximum-key sentinel.
//
// The same parser value must be used for the whole life of a log directory;
// records written with one parser are unreadable with another.
type RecordParser[K, V any] interface {
	// Compare returns a negative number if a sorts before b, zero if the
	// keys are equal, and a positive number if a sorts after b.
	Compare(a, b K) int

	// EncodeKeyToString renders a key for use in a rotated file name.
	//
	// The encoding must round-trip through DecodeKeyFromString, must sort
	// the same way the keys themselves do, and must not contain the '_'
	// or '.' characters: '_' separates the two keys in a rotated file
	// name and '.' starts the file extension. Rotation fails with
	// ErrSeparatorInKey if an encoding breaks this rule.
	EncodeKeyToString(key K) string

	// DecodeKeyFromString parses a key previously rendered by
	// EncodeKeyToString.
	DecodeKeyFromString(s string) (K, error)

	// MaxKey returns a sentinel that compares strictly greater than every
	// key that will ever be appended. It indexes the head file in the
	// log's inventory and is never written to disk.
	MaxKey() K

	// EncodeRecord converts a record to its stored payload bytes.
	// Framing (length and checksum) is handled by the log file.
	EncodeRecord(rec Record[K, V]) ([]byte, error)

	// DecodeRecord is the inverse of EncodeRecord.
	DecodeRecord(payload []byte) (Record[K, V], error)
}
