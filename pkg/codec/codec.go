// Package codec serializes bus payloads and RPC envelopes.
package codec

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Name is the content subtype registered for the JSON codec.
const Name = "json"

// Codec encodes and decodes values. Its method set matches gRPC's
// encoding.Codec so one implementation serves both payloads and transport.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSON is a Codec backed by sonic in standard-library compatible mode.
type JSON struct{}

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements Codec.
func (JSON) Name() string {
	return Name
}

// Default is the codec used when none is configured.
var Default Codec = JSON{}

// Marshal encodes v with the default codec.
func Marshal(v any) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal decodes data into v with the default codec.
func Unmarshal(data []byte, v any) error {
	return Default.Unmarshal(data, v)
}

// Decode decodes data into a new T.
func Decode[T any](c Codec, data []byte) (T, error) {
	var v T
	err := c.Unmarshal(data, &v)
	return v, err
}
