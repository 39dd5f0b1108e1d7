package bus

import (
	"encoding/json"
	"unicode/utf8"
)

// Encoder turns a value into a wire payload.
type Encoder[T any] func(T) ([]byte, error)

// Decoder turns a wire payload back into a value.
type Decoder[T any] func([]byte) (T, error)

// EncodeText encodes a text payload as its UTF-8 bytes.
func EncodeText(s string) ([]byte, error) {
	return []byte(s), nil
}

// DecodeText decodes a UTF-8 payload. Invalid UTF-8 is rejected.
func DecodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", &DecodeError{Reason: "payload is not valid UTF-8"}
	}
	return string(b), nil
}

// JSONEncoder returns an Encoder that marshals values as JSON.
func JSONEncoder[T any]() Encoder[T] {
	return func(v T) ([]byte, error) {
		return json.Marshal(v)
	}
}

// JSONDecoder returns a Decoder that unmarshals JSON payloads.
func JSONDecoder[T any]() Decoder[T] {
	return func(b []byte) (T, error) {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return v, &DecodeError{Reason: err.Error()}
		}
		return v, nil
	}
}

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "bus: decode payload: " + e.Reason
}
