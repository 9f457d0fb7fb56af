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

// Package crypt provides the symmetric encryption layer for store
// partitions. Each named store encrypts with its own subkey derived from
// the master key, so a leaked per-store key never exposes sibling stores.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
)

// KeySource hands out master key material by version. Implementations are
// expected to sit on platform secure storage (Keychain, Keystore); key bytes
// must never be logged or persisted by the engine itself.
type KeySource interface {
	// Key returns the master key for the given version.
	Key(version int) ([]byte, error)
	// CurrentVersion returns the version new writes should encrypt with.
	CurrentVersion() int
}

// StaticKeySource serves fixed key material from memory. Used in tests and
// by hosts that manage key custody themselves.
type StaticKeySource struct {
	keys    map[int][]byte
	current int
}

func NewStaticKeySource(current int, keys map[int][]byte) *StaticKeySource {
	return &StaticKeySource{keys: keys, current: current}
}

func (s *StaticKeySource) Key(version int) ([]byte, error) {
	k, ok := s.keys[version]
	if !ok {
		return nil, errors.Errorf("no key material for version %d", version)
	}
	return k, nil
}

func (s *StaticKeySource) CurrentVersion() int {
	return s.current
}

// CipherService encrypts and decrypts record payloads with AES-GCM.
type CipherService struct {
	source KeySource
}

// NewCipherService creates a new cipher service backed by the given key source.
//
// Parameters:
// - source KeySource: The provider of master key material.
//
// Returns:
// - *CipherService: A new instance of CipherService.
func NewCipherService(source KeySource) *CipherService {
	return &CipherService{source: source}
}

// CurrentKeyVersion returns the key version new writes should use.
func (s *CipherService) CurrentKeyVersion() int {
	return s.source.CurrentVersion()
}

// deriveStoreKey derives the per-store subkey as HMAC-SHA256(master, store).
func (s *CipherService) deriveStoreKey(store string, version int) ([]byte, error) {
	master, err := s.source.Key(version)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, master)
	h.Write([]byte(store))
	return h.Sum(nil), nil
}

// Seal encrypts plaintext for the given store using the given key version.
// The nonce is prepended to the returned ciphertext.
//
// Parameters:
// - store string: The store name the payload belongs to.
// - version int: The key version to encrypt with.
// - plaintext []byte: The raw payload bytes.
//
// Returns:
// - []byte: nonce-prefixed ciphertext.
// - error: An error if encryption fails.
func (s *CipherService) Seal(store string, version int, plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm(store, version)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce-prefixed ciphertext previously produced by Seal.
//
// Parameters:
// - store string: The store name the payload belongs to.
// - version int: The key version the payload was encrypted with.
// - data []byte: nonce-prefixed ciphertext.
//
// Returns:
// - []byte: The decrypted payload.
// - error: An error if the ciphertext is malformed or authentication fails.
func (s *CipherService) Open(store string, version int, data []byte) ([]byte, error) {
	gcm, err := s.gcm(store, version)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "payload authentication failed")
	}
	return plaintext, nil
}

func (s *CipherService) gcm(store string, version int) (cipher.AEAD, error) {
	key, err := s.deriveStoreKey(store, version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
