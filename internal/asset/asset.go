// Package asset implements the content-addressed blob store: immutable
// MessagePack documents keyed by the hex SHA3-256 of their bytes, with
// filesystem, S3, and GCS backends and a peer-swarm pull path.
package asset

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spadina/server/internal/wire"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrMissing is returned by Get when the id is not stored locally.
	ErrMissing = errors.New("asset: missing")
	// ErrHashMismatch is returned when bytes do not hash to the claimed id.
	ErrHashMismatch = errors.New("asset: hash mismatch")
	// ErrUnresolved is returned when the peer swarm could not supply an id
	// within the retry window.
	ErrUnresolved = errors.New("asset: unresolved after retries")
)

// Hash returns the canonical id for a blob: lowercase hex SHA3-256.
func Hash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckID validates that data hashes to id.
func CheckID(id string, data []byte) error {
	if Hash(data) != id {
		return fmt.Errorf("%w: %s", ErrHashMismatch, id)
	}
	return nil
}

// ValidID reports whether id has the shape of an asset id. Backends use
// it to reject path-traversal garbage before touching storage.
func ValidID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Envelope is the decoded head of any stored asset: its kind tag and
// the capability set a server must support to load it. The full body is
// kind-specific and decoded by the consumer.
type Envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind         string
	Capabilities []string
	Body         []byte
}

// EncodeEnvelope produces the canonical bytes for an asset and its id.
func EncodeEnvelope(kind string, capabilities []string, body []byte) (string, []byte, error) {
	env := Envelope{Kind: kind, Capabilities: capabilities, Body: body}
	data, err := wire.Marshal(&env)
	if err != nil {
		return "", nil, fmt.Errorf("encode asset: %w", err)
	}
	return Hash(data), data, nil
}

// DecodeEnvelope parses stored bytes back into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode asset: %w", err)
	}
	return &env, nil
}
