// Package docid implements the DocumentId external URL codec:
// automerge:<base58check(documentId)>, plus legacy-UUID auto-detection and
// conversion. Encoding follows the Bitcoin-style base58check convention
// (payload + 4-byte double-SHA256 checksum, base58-encoded) using
// github.com/mr-tron/base58 for the alphabet and the standard library for
// the checksum, mirroring how the wider example pack reaches for
// google/uuid whenever it needs to parse or mint identifiers that may
// arrive in legacy UUID form.
package docid

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/syncmesh/repo/internal/logging"
	"github.com/syncmesh/repo/internal/types"
)

// URLScheme is the prefix every document URL carries.
const URLScheme = "automerge:"

// New mints a fresh random DocumentId.
func New() types.DocumentID {
	var id types.DocumentID
	raw := uuid.New()
	copy(id[:], raw[:])
	return id
}

// Encode renders id as its external automerge: URL form.
func Encode(id types.DocumentID) string {
	return URLScheme + base58Check(id[:])
}

// Decode parses a document URL, accepting both the current base58check
// form and legacy UUID strings. Legacy UUIDs are converted transparently
// and logged as deprecated.
func Decode(rawURL string, log *logging.Logger) (types.DocumentID, error) {
	if rawURL == "" {
		return types.DocumentID{}, fmt.Errorf("%w: empty document url", types.ErrInvalidURL)
	}

	if strings.HasPrefix(rawURL, URLScheme) {
		payload := strings.TrimPrefix(rawURL, URLScheme)
		decoded, err := decodeBase58Check(payload)
		if err != nil {
			return types.DocumentID{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidURL, rawURL, err)
		}
		if len(decoded) != len(types.DocumentID{}) {
			return types.DocumentID{}, fmt.Errorf("%w: %s: wrong payload length", types.ErrInvalidURL, rawURL)
		}
		var id types.DocumentID
		copy(id[:], decoded)
		return id, nil
	}

	if legacy, err := uuid.Parse(rawURL); err == nil {
		if log != nil {
			log.Warn("legacy UUID document url in use, please migrate",
				zap.String("url", rawURL),
				zap.String("canonical", Encode(uuidToDocumentID(legacy))))
		}
		return uuidToDocumentID(legacy), nil
	}

	return types.DocumentID{}, fmt.Errorf("%w: %s", types.ErrInvalidURL, rawURL)
}

func uuidToDocumentID(u uuid.UUID) types.DocumentID {
	var id types.DocumentID
	copy(id[:], u[:])
	return id
}

func base58Check(payload []byte) string {
	checksum := doubleSHA256(payload)[:4]
	full := append(append([]byte{}, payload...), checksum...)
	return base58.Encode(full)
}

var errChecksumMismatch = errors.New("docid: checksum mismatch")

func decodeBase58Check(encoded string) ([]byte, error) {
	full, err := base58.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(full) < 4 {
		return nil, errors.New("docid: payload too short")
	}
	payload, checksum := full[:len(full)-4], full[len(full)-4:]
	want := doubleSHA256(payload)[:4]
	for i := range checksum {
		if checksum[i] != want[i] {
			return nil, errChecksumMismatch
		}
	}
	return payload, nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
