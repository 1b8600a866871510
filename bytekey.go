package coldoc

import (
	"bytes"
	"encoding/hex"
)

// ByteKey is a byte-string key. Keys are totally ordered by unsigned
// lexicographic comparison of their bytes; a shorter key that is a prefix
// of a longer one sorts first.
//
// A nil ByteKey is the KeyAfterAll sentinel and never a real key; an
// empty key is ByteKey{}. Treat ByteKey values as immutable.
type ByteKey []byte

// KeyAfterAll is the end-of-table sentinel: it marks the exclusive upper
// bound of a range with no real upper bound. PrefixSuccessor returns it
// for prefixes that no key can follow.
var KeyAfterAll ByteKey

// Key converts s to a ByteKey. An empty string yields the empty key, not
// the sentinel.
func Key(s string) ByteKey {
	return ByteKey(s)
}

// IsAfterAll reports whether k is the end-of-table sentinel.
func (k ByteKey) IsAfterAll() bool {
	return k == nil
}

func (k ByteKey) Clone() ByteKey {
	if k == nil {
		return nil
	}
	return append(ByteKey{}, k...)
}

func (k ByteKey) Equal(other ByteKey) bool {
	return bytes.Equal(k, other)
}

// String renders the key as hex, the way keys appear in logs.
func (k ByteKey) String() string {
	if k == nil {
		return "<after-all>"
	}
	if len(k) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(k)
}

// Compare returns -1, 0 or 1 comparing a and b as unsigned byte strings.
// The sentinel has no place in the lexicographic order; range logic must
// check IsAfterAll before comparing.
func Compare(a, b ByteKey) int {
	return bytes.Compare(a, b)
}

// Complement returns a new key with every bit of every byte flipped.
// For any a, b: Compare(a, b) < 0 iff Compare(Complement(a), Complement(b)) > 0,
// which realizes descending order inside an ascending key space.
func Complement(k ByteKey) ByteKey {
	out := make(ByteKey, len(k))
	copy(out, k)
	complementRange(out)
	return out
}

func complementRange(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// Next returns the immediate successor of k: the smallest key strictly
// greater than k. This is k with a zero byte appended.
func (k ByteKey) Next() ByteKey {
	out := make(ByteKey, len(k)+1)
	copy(out, k)
	return out
}

// PrefixSuccessor returns the smallest key greater than every key that
// starts with prefix, for use as the exclusive upper bound of a prefix
// scan: Scan(prefix, PrefixSuccessor(prefix)) yields exactly the keys
// sharing prefix.
//
// The last byte not equal to 0xFF is incremented and everything after it
// dropped. If there is no such byte (empty or all-0xFF prefix), every key
// with this prefix runs to the end of the table and KeyAfterAll is
// returned.
func PrefixSuccessor(prefix ByteKey) ByteKey {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := make(ByteKey, i+1)
			copy(succ, prefix[:i+1])
			succ[i]++
			return succ
		}
	}
	return KeyAfterAll
}

// HasPrefix reports whether k starts with prefix.
func (k ByteKey) HasPrefix(prefix ByteKey) bool {
	return bytes.HasPrefix(k, prefix)
}
