// Package encoding provides the msgpack serialization used for invalidation
// envelopes that leave the process (relay log entries, broker payloads).
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// When decoding into interface{}, msgpack strings decode as Go strings rather
// than []byte, so cell values read back from the relay log keep the same type
// SQLite handed to the executor.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetOmitEmpty(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
