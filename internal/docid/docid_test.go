package docid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/repo/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := New()
	url := Encode(id)
	assert.True(t, strings.HasPrefix(url, URLScheme))

	decoded, err := Decode(url, nil)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode("", nil)
	assert.ErrorIs(t, err, types.ErrInvalidURL)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-a-valid-url", nil)
	assert.ErrorIs(t, err, types.ErrInvalidURL)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	id := New()
	url := Encode(id)
	// Flip the last character, which should break the checksum.
	mutated := url[:len(url)-1] + flipChar(url[len(url)-1])
	_, err := Decode(mutated, nil)
	assert.Error(t, err)
}

func TestDecodeLegacyUUID(t *testing.T) {
	legacy := uuid.New()
	decoded, err := Decode(legacy.String(), nil)
	require.NoError(t, err)

	var want types.DocumentID
	copy(want[:], legacy[:])
	assert.Equal(t, want, decoded)
}

func flipChar(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
