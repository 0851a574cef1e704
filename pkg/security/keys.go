// Package security manages the session's shared secret and the overlay
// handshake authentication derived from it.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const keyFile = "session.key"

// Keys holds the session-wide shared secret. Every broker in a session
// loads the same key directory; a peer that cannot prove knowledge of
// the secret is refused at handshake.
type Keys struct {
	secret []byte
}

// LoadOrGenerate returns the session keys from dir, creating them on
// first use. The directory must already exist and should be private to
// the instance owner.
func LoadOrGenerate(dir string) (*Keys, error) {
	path := filepath.Join(dir, keyFile)
	if buf, err := os.ReadFile(path); err == nil {
		if len(buf) < 16 {
			return nil, fmt.Errorf("session key %s is too short", path)
		}
		return &Keys{secret: buf}, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("writing session key: %w", err)
	}
	return &Keys{secret: secret}, nil
}

// Sign authenticates a rank for the overlay handshake.
func (k *Keys) Sign(rank uint32) string {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(strconv.FormatUint(uint64(rank), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a handshake signature.
func (k *Keys) Verify(rank uint32, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(strconv.FormatUint(uint64(rank), 10)))
	return hmac.Equal(mac.Sum(nil), want)
}
