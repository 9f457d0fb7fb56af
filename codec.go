/*
Copyright 2024 Haven Storage Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package haven

import (
	"encoding/json"
	"sync"

	"github.com/havenstore/haven/internal/storeerr"
)

// Codec serializes one logical record type. Forward compatibility lives
// inside a codec (optional fields with defaults), never in the registry:
// an unknown type tag is always an error, not a fallback.
type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

type registeredCodec struct {
	name  string
	codec Codec
}

// CodecRegistry maps stable numeric type identifiers to codecs. A typeID is
// globally unique for the lifetime of the deployed schema; a collision means
// two record types would silently read each other's bytes, so registration
// collisions must abort startup before any store opens.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[uint32]registeredCodec
}

// NewCodecRegistry creates an empty registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[uint32]registeredCodec)}
}

// Register binds typeID to a named codec.
//
// Parameters:
// - typeID uint32: The stable numeric identifier for the record type.
// - name string: The logical type name, used only for collision diagnostics.
// - codec Codec: The encode/decode implementation.
//
// Returns:
// - error: DUPLICATE_TYPE_ID if typeID is already bound.
func (r *CodecRegistry) Register(typeID uint32, name string, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.codecs[typeID]; ok {
		return storeerr.Newf(storeerr.ErrDuplicateTypeID,
			"type id %d already registered for %q, refusing to rebind to %q", typeID, existing.name, name)
	}
	r.codecs[typeID] = registeredCodec{name: name, codec: codec}
	return nil
}

// Encode serializes value with the codec bound to typeID.
func (r *CodecRegistry) Encode(typeID uint32, value interface{}) ([]byte, error) {
	r.mu.RLock()
	entry, ok := r.codecs[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, storeerr.Newf(storeerr.ErrUnknownType, "no codec registered for type id %d", typeID)
	}
	return entry.codec.Encode(value)
}

// Decode deserializes data with the codec bound to typeID. Decoding an
// unregistered typeID fails with UNKNOWN_TYPE.
func (r *CodecRegistry) Decode(typeID uint32, data []byte) (interface{}, error) {
	r.mu.RLock()
	entry, ok := r.codecs[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, storeerr.Newf(storeerr.ErrUnknownType, "no codec registered for type id %d", typeID)
	}
	return entry.codec.Decode(data)
}

// Registered reports whether typeID has a codec.
func (r *CodecRegistry) Registered(typeID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[typeID]
	return ok
}

// JSONCodec is the default codec for struct-backed record types. The factory
// returns a fresh pointer for each decode so callers get a typed value back.
type JSONCodec struct {
	Factory func() interface{}
}

func (c JSONCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c JSONCodec) Decode(data []byte) (interface{}, error) {
	target := c.Factory()
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}
