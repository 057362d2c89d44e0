package dialect

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewCompletionID mints an OpenAI-shaped chat-completion id.
func NewCompletionID() string {
	return "chatcmpl-" + shortUUID()
}

// NewMessageID mints an Anthropic-shaped message id.
func NewMessageID() string {
	return "msg_" + shortUUID()
}

func shortUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:12])
}

// StableHash derives a deterministic hex digest from parts, in the same
// style the teacher used to derive stable account/session identifiers from
// request metadata. Nothing in this repository calls it at present; the
// pseudo-stream path keeps no cache keyed by it.
func StableHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
