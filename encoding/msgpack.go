// Package encoding provides centralized serialization/deserialization for fanout.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: Marshal, MarshalCanonical and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte) and integers decode as int64. Plan options and mutation
// results round-trip through these helpers, so equality checks on decoded values
// must expect the widened forms.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MarshalCanonical encodes a value with map keys sorted. Two values that are
// equal under reflect.DeepEqual produce identical bytes regardless of map
// iteration order, which makes the output safe to hash for shard routing.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not
// []byte) and bin payloads are converted to strings. Mutation results and plan
// options cross node boundaries as interface{} values, so both sides must see
// the same Go types for lookups and shard hashes to agree.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
