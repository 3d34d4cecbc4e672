// Package cache provides the fingerprint-keyed response cache used by the
// gateway fast path. The default in-process implementation is Memory; the
// Store interface leaves room for a shared backend, so cross-instance
// consistency is best-effort by design.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

// Store is the persistence surface behind the cache.
type Store interface {
	Get(key string) (*adapters.Response, bool)
	Set(key string, resp *adapters.Response)
	Delete(key string)
	Len() int
	Clear()
}

// Normalize canonicalises a prompt for fingerprinting: whitespace collapsed,
// case folded.
func Normalize(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}

// Fingerprint returns the deterministic cache key for a request. The key is
// content-addressed across users: user_id is deliberately excluded.
func Fingerprint(req *adapters.Request) string {
	h := sha256.New()
	h.Write([]byte(Normalize(req.Prompt)))
	h.Write([]byte{0})
	h.Write([]byte(req.TaskType))
	h.Write([]byte{0})
	if req.MaxTokens != nil {
		h.Write([]byte(strconv.Itoa(*req.MaxTokens)))
	}
	h.Write([]byte{0})
	if req.Temperature != nil {
		h.Write([]byte(strconv.FormatFloat(*req.Temperature, 'f', -1, 64)))
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(req.Stream)))
	return hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether a response may be stored: streaming responses
// and zero-token (fallback) responses are skipped.
func Cacheable(req *adapters.Request, resp *adapters.Response) bool {
	if req.Stream {
		return false
	}
	if resp == nil || resp.TokensUsed == 0 {
		return false
	}
	return true
}
