// Package roomcrypt encrypts message bodies and attachment bytes under a
// per-room symmetric key.
//
// Keys come from a pluggable KeyDeriver. The default, SHA256Deriver, derives
// the key from the room name alone: anyone who knows a room's name can
// derive its key, and the same name yields the same key across restarts.
// This is a known weakness kept for reproducibility; deployments that need
// secrecy at rest should use HKDFDeriver with a server-side secret.
//
// Ciphertexts are XChaCha20-Poly1305 sealed boxes laid out as
// nonce || ciphertext || tag, with the room name bound as additional data so
// a body copied into another room fails to open.
package roomcrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a ciphertext cannot be opened under the room key.
var ErrDecrypt = errors.New("roomcrypt: decryption failed")

// KeyDeriver maps a room name to 32 bytes of key material.
type KeyDeriver interface {
	DeriveKey(room string) ([]byte, error)
}

// SHA256Deriver derives key = SHA-256(room). Deterministic and secret-free.
type SHA256Deriver struct{}

// DeriveKey implements KeyDeriver.
func (SHA256Deriver) DeriveKey(room string) ([]byte, error) {
	sum := sha256.Sum256([]byte(room))
	return sum[:], nil
}

// HKDFDeriver derives keys with HKDF-SHA256 from a server secret, using the
// room name as the info parameter.
type HKDFDeriver struct {
	Secret []byte
	Salt   []byte
}

// DeriveKey implements KeyDeriver.
func (d HKDFDeriver) DeriveKey(room string) ([]byte, error) {
	if len(d.Secret) == 0 {
		return nil, errors.New("roomcrypt: hkdf secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, d.Secret, d.Salt, []byte("room:"+room))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Option configures a Service.
type Option func(*Service)

// WithPlaintextFallback makes Decrypt return undecryptable input unchanged
// instead of ErrDecrypt. Intended only for stores written by older
// deployments that persisted bodies without encryption.
func WithPlaintextFallback(on bool) Option {
	return func(s *Service) { s.fallback = on }
}

// Service encrypts and decrypts room payloads. Safe for concurrent use.
type Service struct {
	deriver  KeyDeriver
	fallback bool

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

// New returns a Service using d; a nil d selects SHA256Deriver.
func New(d KeyDeriver, opts ...Option) *Service {
	if d == nil {
		d = SHA256Deriver{}
	}
	s := &Service{deriver: d, aeads: make(map[string]cipher.AEAD)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// KeyFor returns the raw key material of room.
func (s *Service) KeyFor(room string) ([]byte, error) {
	return s.deriver.DeriveKey(room)
}

// aead returns the memoized cipher for room. Two goroutines racing on first
// use both derive the same key; whichever stores last wins harmlessly.
func (s *Service) aead(room string) (cipher.AEAD, error) {
	s.mu.RLock()
	a, ok := s.aeads[room]
	s.mu.RUnlock()
	if ok {
		return a, nil
	}

	key, err := s.deriver.DeriveKey(room)
	if err != nil {
		return nil, fmt.Errorf("roomcrypt: derive key: %w", err)
	}
	a, err = chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("roomcrypt: init cipher: %w", err)
	}

	s.mu.Lock()
	s.aeads[room] = a
	s.mu.Unlock()
	return a, nil
}

// Encrypt seals plaintext under room's key.
func (s *Service) Encrypt(room string, plaintext []byte) ([]byte, error) {
	a, err := s.aead(room)
	if err != nil {
		return nil, err
	}
	out := make([]byte, a.NonceSize(), a.NonceSize()+len(plaintext)+a.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("roomcrypt: nonce: %w", err)
	}
	return a.Seal(out, out, plaintext, []byte(room)), nil
}

// Decrypt opens a ciphertext produced by Encrypt for the same room.
func (s *Service) Decrypt(room string, ciphertext []byte) ([]byte, error) {
	a, err := s.aead(room)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) >= a.NonceSize()+a.Overhead() {
		nonce, box := ciphertext[:a.NonceSize()], ciphertext[a.NonceSize():]
		if pt, err := a.Open(nil, nonce, box, []byte(room)); err == nil {
			if pt == nil {
				pt = []byte{}
			}
			return pt, nil
		}
	}
	if s.fallback {
		log.Warn().Str("room", room).Int("bytes", len(ciphertext)).Msg("decrypt failed, returning raw bytes")
		return ciphertext, nil
	}
	return nil, ErrDecrypt
}
