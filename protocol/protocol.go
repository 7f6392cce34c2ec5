// Package protocol defines the encoded frames exchanged between callers
// and object adapters, and the payload codecs used by proxies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol encodes and decodes operation payloads.
type Protocol interface {
	// Name identifies the protocol in configuration
	Name() string

	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// Decode decodes bytes into v
	Decode(data []byte, v any) error
}

// CBORProtocol encodes payloads with deterministic CBOR.
type CBORProtocol struct{}

// Name implements Protocol.
func (CBORProtocol) Name() string { return "cbor" }

// Encode implements Protocol.
func (CBORProtocol) Encode(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return data, nil
}

// Decode implements Protocol.
func (CBORProtocol) Decode(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}

// JSONProtocol encodes payloads as JSON, for peers that cannot speak CBOR.
type JSONProtocol struct{}

// Name implements Protocol.
func (JSONProtocol) Name() string { return "json" }

// Encode implements Protocol.
func (JSONProtocol) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

// Decode implements Protocol.
func (JSONProtocol) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// ByName returns the payload protocol registered under name.
func ByName(name string) (Protocol, error) {
	switch name {
	case "", "cbor":
		return CBORProtocol{}, nil
	case "json":
		return JSONProtocol{}, nil
	default:
		return nil, fmt.Errorf("unknown payload protocol %q", name)
	}
}
