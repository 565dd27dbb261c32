// Package utils serialization helpers.
//
// Structured request bodies are reduced to a canonical JSON form before
// inspection, so two bodies that differ only in key order or whitespace
// normalize to the same text. Security events use the same encoder for
// the audit log and the admin API.
//
// Design Notes:
//   - encoding/json already sorts map keys; canonical form relies on that
//   - Numbers are kept as json.Number so large integers are not rounded
//   - HTML escaping is disabled so "<" stays "<" for the classifier
package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyInput is returned when there is nothing to decode.
var ErrEmptyInput = errors.New("empty input")

// CanonicalJSON re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and no HTML escaping. Trailing data after the
// first value is an error.
func CanonicalJSON(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInput
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing data")
	}

	return encodeNoEscape(v)
}

// MarshalEvent serializes an event for the audit log or admin API.
func MarshalEvent(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("cannot marshal nil event")
	}

	data, err := encodeNoEscape(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// UnmarshalEvent deserializes an event from bytes into the provided pointer.
func UnmarshalEvent(data []byte, event interface{}) error {
	if len(data) == 0 {
		return ErrEmptyInput
	}
	if event == nil {
		return fmt.Errorf("event pointer cannot be nil")
	}
	if err := json.Unmarshal(data, event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return nil
}

// EstimateEncodedSize estimates the encoded size of a value in bytes.
func EstimateEncodedSize(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

func encodeNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
