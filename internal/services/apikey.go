package services

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"modelplane/internal/utils"
)

// apiKeyPrefix is the standard prefix every effective API key carries
// (§4.6 step 1, S2: requested "k" becomes effective "sk-k").
const apiKeyPrefix = "sk-"

// KeySource is the injected clock/entropy collaborator behind
// synthesized API keys (§9 "Auth-key synthesis"), so tests can pin
// both time and randomness.
type KeySource interface {
	Now() time.Time
	Random(n int) []byte
}

type systemKeySource struct{}

func (systemKeySource) Now() time.Time { return time.Now() }

func (systemKeySource) Random(n int) []byte {
	b := make([]byte, n)
	// crypto/rand.Read never returns a short read without an error, and
	// an error here means the platform CSPRNG is broken; there is no
	// sane fallback, so this panics rather than handing out a weak key.
	if _, err := rand.Read(b); err != nil {
		panic("services: crypto/rand unavailable: " + err.Error())
	}
	return b
}

// DefaultKeySource is the production KeySource.
func DefaultKeySource() KeySource { return systemKeySource{} }

// deriveAPIKey implements §4.6 step 1's key derivation: prefix a
// supplied key, synthesize one when auth is required and none is
// supplied, or produce neither when auth isn't required. Returns the
// plaintext (returned to the caller exactly once) and its Argon2id
// hash, or ("", "", nil) when requireAuth is false.
func deriveAPIKey(requested string, requireAuth bool, ks KeySource) (plaintext, hash string, err error) {
	if !requireAuth {
		return "", "", nil
	}

	key := requested
	if key == "" {
		key = synthesizeKey(ks)
	}
	if !strings.HasPrefix(key, apiKeyPrefix) {
		key = apiKeyPrefix + key
	}

	hashed, err := utils.Hash(key)
	if err != nil {
		return "", "", err
	}
	return key, string(hashed), nil
}

// synthesizeKey builds a key from the injected clock and entropy
// source (§9), instead of reaching for time.Now/crypto/rand directly,
// so the derivation is deterministic under test.
func synthesizeKey(ks KeySource) string {
	ts := ks.Now().UTC().Format("20060102150405")
	entropy := hex.EncodeToString(ks.Random(16))
	return ts + "-" + entropy
}
