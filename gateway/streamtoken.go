package gateway

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
)

// DefaultStreamTokenTTL bounds how long a stream id stays recognizable on
// reconnect.
const DefaultStreamTokenTTL = 24 * time.Hour

// StreamTokens mints and verifies the signed stream ids the streaming
// transport hands out as SSE event ids. A client that reconnects presenting
// one of our ids is recognized (and refused with 204) rather than treated as
// a malformed request.
type StreamTokens struct {
	keys []*fernet.Key
	ttl  time.Duration
}

// NewStreamTokens builds a token minter from a base64 fernet key. An empty
// key generates a fresh one, which makes ids unverifiable across restarts;
// configure a stable key when running more than one instance.
func NewStreamTokens(encodedKey string) (*StreamTokens, error) {
	if encodedKey == "" {
		var key fernet.Key
		if err := key.Generate(); err != nil {
			return nil, fmt.Errorf("generate stream token key: %w", err)
		}
		return &StreamTokens{keys: []*fernet.Key{&key}, ttl: DefaultStreamTokenTTL}, nil
	}
	keys, err := fernet.DecodeKeys(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode stream token key: %w", err)
	}
	return &StreamTokens{keys: keys, ttl: DefaultStreamTokenTTL}, nil
}

// Mint returns a fresh signed stream id.
func (t *StreamTokens) Mint() string {
	tok, err := fernet.EncryptAndSign([]byte(uuid.NewString()), t.keys[0])
	if err != nil {
		// EncryptAndSign only fails on a broken RNG; fall back to a bare id.
		return uuid.NewString()
	}
	return string(tok)
}

// Verify reports whether id is an unexpired stream id minted by us.
func (t *StreamTokens) Verify(id string) bool {
	return fernet.VerifyAndDecrypt([]byte(id), t.ttl, t.keys) != nil
}
