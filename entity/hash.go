package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"unicode"

	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"

	"github.com/teranos/nodereg/addr"
)

// Domain separators keep the two digests from ever colliding with other hash uses.
const (
	contentHashDomain  = "nodereg-content-v1"
	semanticHashDomain = "nodereg-semantic-v1"
)

// ContentHash returns the hex SHA-256 of the canonical payload encoding.
// Any byte change in any section or extension changes the hash.
//
// Format: domain NUL category NUL (name NUL value NUL)* for each section in
// fixed order, then for each extension in key order.
func ContentHash(cat addr.Category, p Payload) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(contentHashDomain)
	write(string(cat))
	for _, kv := range p.sections() {
		write(kv[0])
		write(kv[1])
	}
	for _, k := range sortedKeys(p.Extensions) {
		write("ext:" + k)
		write(p.Extensions[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SemanticHash returns a base58 BLAKE3 digest of the normalized payload text.
// Case and whitespace edits leave it unchanged; wording changes do not.
func SemanticHash(p Payload) string {
	h := blake3.New(32, nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	write(semanticHashDomain)
	for _, kv := range p.sections() {
		write(Normalize(kv[1]))
	}
	for _, k := range sortedKeys(p.Extensions) {
		write(Normalize(k))
		write(Normalize(p.Extensions[k]))
	}
	return base58.Encode(h.Sum(nil))
}

// Normalize lowercases s and collapses every whitespace run to a single space
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
