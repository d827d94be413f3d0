package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Codec turns a typed value into the string the store holds and back.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(s string) (T, error)
}

// JSONCodec stores values as JSON text.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (JSONCodec[T]) Decode(s string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(s), &v)

	return v, err
}

// StringCodec stores strings as-is.
type StringCodec struct{}

func (StringCodec) Encode(v string) (string, error) { return v, nil }
func (StringCodec) Decode(s string) (string, error) { return s, nil }

// Put encodes v with codec and writes it under key.
func Put[T any](ctx context.Context, s *Store, codec Codec[T], key string, v T) error {
	raw, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return s.Write(ctx, key, raw)
}

// Get reads key through Read and decodes it with codec.
func Get[T any](ctx context.Context, s *Store, codec Codec[T], key string) (T, bool, error) {
	raw, found, err := s.Read(ctx, key)

	return decode(codec, key, raw, found, err)
}

// GetSync reads key from the local tier only and decodes it with codec.
func GetSync[T any](s *Store, codec Codec[T], key string) (T, bool, error) {
	raw, found, err := s.ReadSync(key)

	return decode(codec, key, raw, found, err)
}

func decode[T any](codec Codec[T], key, raw string, found bool, err error) (T, bool, error) {
	var zero T

	if err != nil || !found {
		return zero, false, err
	}

	v, err := codec.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return v, true, nil
}

// PutJSON writes v as JSON.
func PutJSON[T any](ctx context.Context, s *Store, key string, v T) error {
	return Put(ctx, s, JSONCodec[T]{}, key, v)
}

// GetJSON reads a JSON value through Read.
func GetJSON[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	return Get(ctx, s, JSONCodec[T]{}, key)
}

// GetJSONSync reads a JSON value from the local tier.
func GetJSONSync[T any](s *Store, key string) (T, bool, error) {
	return GetSync(s, JSONCodec[T]{}, key)
}
