package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelplane/internal/utils"
)

// fixedKeySource pins both clock and entropy so synthesized keys are
// deterministic under test (§9 "Auth-key synthesis").
type fixedKeySource struct {
	now    time.Time
	random []byte
}

func (f fixedKeySource) Now() time.Time       { return f.now }
func (f fixedKeySource) Random(n int) []byte  { return f.random[:n] }

func TestDeriveAPIKeyNoAuthRequired(t *testing.T) {
	plaintext, hash, err := deriveAPIKey("anything", false, DefaultKeySource())
	require.NoError(t, err)
	assert.Empty(t, plaintext)
	assert.Empty(t, hash)
}

func TestDeriveAPIKeyAddsStablePrefix(t *testing.T) {
	plaintext, hash, err := deriveAPIKey("mykey", true, DefaultKeySource())
	require.NoError(t, err)
	assert.Equal(t, "sk-mykey", plaintext)
	assert.NoError(t, utils.VerifyPassword(hash, "sk-mykey"))
}

func TestDeriveAPIKeyPrefixNotDuplicated(t *testing.T) {
	plaintext, _, err := deriveAPIKey("sk-already-prefixed", true, DefaultKeySource())
	require.NoError(t, err)
	assert.Equal(t, "sk-already-prefixed", plaintext)
}

func TestDeriveAPIKeySynthesizesWhenMissing(t *testing.T) {
	ks := fixedKeySource{
		now:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		random: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
	}
	plaintext, hash, err := deriveAPIKey("", true, ks)
	require.NoError(t, err)
	assert.Equal(t, "sk-20260102030405-0102030405060708090a0b0c0d0e0f10", plaintext)
	assert.NoError(t, utils.VerifyPassword(hash, plaintext))
}

func TestDeriveAPIKeySynthesisIsDeterministicForPinnedSource(t *testing.T) {
	ks := fixedKeySource{now: time.Unix(0, 0).UTC(), random: make([]byte, 16)}
	p1, _, err := deriveAPIKey("", true, ks)
	require.NoError(t, err)
	p2, _, err := deriveAPIKey("", true, ks)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}
