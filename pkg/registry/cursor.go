package registry

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"loom/pkg/substrate"
)

// Cursor is the self-describing pagination token: offset, limit, and a
// fingerprint of the filter set it was issued for. A cursor replayed with a
// different filter is rejected rather than silently returning wrong pages.
type Cursor struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	FilterHash string `json:"filterHash"`
}

// FilterHash fingerprints a filter set: 16 hex of SHA-256 over the sorted
// key=value pairs.
func FilterHash(filters map[string]string) string {
	pairs := make([]string, 0, len(filters))
	for k, v := range filters {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])[:16]
}

// Encode serializes the cursor as base64url JSON.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token and verifies it against the current filter
// fingerprint.
func DecodeCursor(token, filterHash string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, substrate.Validationf("cursor is not valid base64url: %v", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, substrate.Validationf("cursor is not valid JSON: %v", err)
	}
	if c.Offset < 0 || c.Limit < 0 {
		return Cursor{}, substrate.Validationf("cursor carries negative offset or limit")
	}
	if c.FilterHash != filterHash {
		return Cursor{}, fmt.Errorf("%w: cursor was issued for a different filter set; drop the cursor or reuse the original filters", substrate.ErrValidation)
	}
	return c, nil
}
