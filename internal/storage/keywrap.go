package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/syncmesh/repo/internal/pqc"
)

// PassphraseKeyWrap derives an AES-256-GCM key from a user passphrase and
// uses it to wrap/unwrap the PQC master key material, adapted from the
// teacher's MemoryEncryption (internal/security/security.go). It lets a
// deployment protect the master key at rest without managing raw key
// bytes itself.
type PassphraseKeyWrap struct {
	iterations int
	keyLength  int
}

// NewPassphraseKeyWrap returns a key wrap with the teacher's original
// PBKDF2 parameters (100000 iterations, 32-byte keys).
func NewPassphraseKeyWrap() *PassphraseKeyWrap {
	return &PassphraseKeyWrap{iterations: 100000, keyLength: 32}
}

// DeriveKey derives a wrapping key from a passphrase and salt.
func (w *PassphraseKeyWrap) DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, w.iterations, w.keyLength, sha256.New)
}

// Wrap encrypts keyMaterial (e.g. a marshaled PQC key pair) under key.
func (w *PassphraseKeyWrap) Wrap(keyMaterial, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keywrap: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keywrap: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keywrap: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, keyMaterial, nil), nil
}

// Unwrap reverses Wrap.
func (w *PassphraseKeyWrap) Unwrap(wrapped, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keywrap: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keywrap: new gcm: %w", err)
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, fmt.Errorf("keywrap: wrapped key material too short")
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keywrap: unwrap: %w", err)
	}
	return plaintext, nil
}

// GenerateSalt returns a fresh random PBKDF2 salt.
func (w *PassphraseKeyWrap) GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keywrap: salt: %w", err)
	}
	return salt, nil
}

// EncodeKey base64-encodes key material for storage alongside the
// document key-value store.
func (w *PassphraseKeyWrap) EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// DecodeKey reverses EncodeKey.
func (w *PassphraseKeyWrap) DecodeKey(encoded string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(encoded)
}

var (
	masterKeySaltKey = Key{"encryption", "master-key-salt"}
	masterKeyDataKey = Key{"encryption", "master-key"}
)

// LoadOrCreateMasterKey gives manager an active master key, recovered
// from a passphrase rather than generated fresh on every restart. If
// adapter already holds a wrapped master key and salt, it derives the
// wrapping key from passphrase and unwraps them; otherwise it generates
// a new PQC key pair, wraps it under a freshly derived key, and persists
// the wrapped material and salt for next time.
func LoadOrCreateMasterKey(ctx context.Context, adapter Adapter, manager *pqc.EncryptionManager, passphrase string) error {
	w := NewPassphraseKeyWrap()

	salt, err := adapter.Load(ctx, masterKeySaltKey)
	if err != nil {
		return fmt.Errorf("storage: load master key salt: %w", err)
	}

	if salt != nil {
		wrapped, err := adapter.Load(ctx, masterKeyDataKey)
		if err != nil {
			return fmt.Errorf("storage: load wrapped master key: %w", err)
		}
		if wrapped == nil {
			return fmt.Errorf("storage: master key salt present without wrapped key")
		}
		plaintext, err := w.Unwrap(wrapped, w.DeriveKey(passphrase, salt))
		if err != nil {
			return fmt.Errorf("storage: unwrap master key: %w", err)
		}
		keyPair, err := pqc.LoadPQCKeyPair(plaintext)
		if err != nil {
			return fmt.Errorf("storage: decode master key: %w", err)
		}
		manager.SetMasterKey(keyPair)
		manager.CacheKey(keyPair.ID, keyPair)
		return nil
	}

	keyPair, err := pqc.GeneratePQCKeyPair("master", "encryption")
	if err != nil {
		return fmt.Errorf("storage: generate master key: %w", err)
	}
	marshaled, err := keyPair.MarshalWithPrivateKeys()
	if err != nil {
		return fmt.Errorf("storage: marshal master key: %w", err)
	}

	newSalt, err := w.GenerateSalt()
	if err != nil {
		return fmt.Errorf("storage: generate master key salt: %w", err)
	}
	wrapped, err := w.Wrap(marshaled, w.DeriveKey(passphrase, newSalt))
	if err != nil {
		return fmt.Errorf("storage: wrap master key: %w", err)
	}
	if err := adapter.Save(ctx, masterKeySaltKey, newSalt); err != nil {
		return fmt.Errorf("storage: save master key salt: %w", err)
	}
	if err := adapter.Save(ctx, masterKeyDataKey, wrapped); err != nil {
		return fmt.Errorf("storage: save wrapped master key: %w", err)
	}

	manager.SetMasterKey(keyPair)
	manager.CacheKey(keyPair.ID, keyPair)
	return nil
}
