package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Canonicalize re-serializes a JSON document with sorted object keys and
// no insignificant whitespace. An empty document canonicalizes to nil.
func Canonicalize(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// ObservableID derives the identity of a query from its function name and
// payload. Payloads differing only in key order or whitespace share an id.
func ObservableID(name string, payload json.RawMessage) (uint64, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	d.WriteString(name)
	d.Write([]byte{0})
	d.Write(canon)
	return nonZero(d.Sum64()), nil
}

// Checksum fingerprints a serialized value. Zero is reserved for
// "nothing cached" so it is never returned.
func Checksum(b []byte) uint64 {
	return nonZero(xxhash.Sum64(b))
}

func nonZero(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}
