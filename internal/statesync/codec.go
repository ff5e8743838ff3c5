package statesync

import "encoding/json"

// Codec converts slot values to and from their durable byte form. A codec is
// supplied per keyspace; values are treated as immutable snapshots, so Decode
// must return a value the caller owns outright.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := json.Unmarshal(data, &value)
	return value, err
}
