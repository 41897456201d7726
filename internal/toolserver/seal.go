package toolserver

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix marks a credential blob sealed with secretbox.
const sealedPrefix = "sb1:"

// Sealer encrypts credential blobs before they reach disk. A nil
// *Sealer stores credentials as plain JSON.
type Sealer struct {
	key [32]byte
}

// NewSealer returns a Sealer using key, or nil if key is nil.
func NewSealer(key *[32]byte) *Sealer {
	if key == nil {
		return nil
	}
	return &Sealer{key: *key}
}

// seal encodes creds as JSON and, if s is non-nil, encrypts it.
func (s *Sealer) seal(creds Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	if s == nil {
		return string(data), nil
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], data, &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// open reverses seal. Plain JSON blobs are accepted even when a key is
// configured so existing rows keep working after a key is introduced.
func (s *Sealer) open(blob string) (Credentials, error) {
	var creds Credentials
	if blob == "" {
		return creds, nil
	}

	data := []byte(blob)
	if strings.HasPrefix(blob, sealedPrefix) {
		if s == nil {
			return creds, errors.New("credentials are sealed but no credential key is configured")
		}
		box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, sealedPrefix))
		if err != nil {
			return creds, fmt.Errorf("decode sealed credentials: %w", err)
		}
		if len(box) < 24+secretbox.Overhead {
			return creds, errors.New("sealed credentials truncated")
		}
		var nonce [24]byte
		copy(nonce[:], box[:24])
		plain, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
		if !ok {
			return creds, errors.New("sealed credentials failed authentication")
		}
		data = plain
	}

	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
