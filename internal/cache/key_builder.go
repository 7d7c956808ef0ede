package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"chatcache-gateway/internal/llm"
)

const (
	modelSeparator   = "::"
	messageSeparator = "||"
)

// Fingerprint returns the cache key for a (model, transcript) pair:
// the lowercase hex sha256 of
//
//	model :: role1:content1 || role2:content2 || ...
//
// Callers pass the full transcript, server system prompt included, so that
// a change of system prompt never serves an answer produced under another.
//
// Separators are not escaped: content that itself contains "||role:" can
// collide with a transcript split at that point. Keys stay compatible with
// existing caches at that cost.
func Fingerprint(model string, messages []llm.ChatMessage) string {
	var b strings.Builder
	b.WriteString(model)
	b.WriteString(modelSeparator)

	for i, m := range messages {
		if i > 0 {
			b.WriteString(messageSeparator)
		}
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
