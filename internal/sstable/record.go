package sstable

import "github.com/cockroachdb/errors"

// Kind distinguishes live values from tombstones. The SSTable entry format
// keeps values opaque, so the kind travels in-band as a one-byte prefix of
// the stored value: 0x00 for a value, 0x01 for a tombstone.
type Kind uint8

const (
	// KindValue marks a live value.
	KindValue Kind = 0x00

	// KindTombstone marks a deletion; the record body is empty.
	KindTombstone Kind = 0x01
)

// ErrBadRecord indicates a stored value with no kind prefix or an unknown one.
var ErrBadRecord = errors.New("sstable: bad record encoding")

// EncodeRecord prefixes value with kind for storage. Tombstones ignore value.
func EncodeRecord(kind Kind, value []byte) []byte {
	if kind == KindTombstone {
		return []byte{byte(KindTombstone)}
	}
	out := make([]byte, 1+len(value))
	out[0] = byte(KindValue)
	copy(out[1:], value)
	return out
}

// DecodeRecord splits a stored value into its kind and body.
func DecodeRecord(stored []byte) (Kind, []byte, error) {
	if len(stored) == 0 {
		return 0, nil, ErrBadRecord
	}
	switch Kind(stored[0]) {
	case KindValue:
		return KindValue, stored[1:], nil
	case KindTombstone:
		return KindTombstone, nil, nil
	default:
		return 0, nil, errors.Wrapf(ErrBadRecord, "kind %#x", stored[0])
	}
}
