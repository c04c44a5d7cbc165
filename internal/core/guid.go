package core

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	guidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	guidLength   = 8
)

// GenerateGUID returns "<prefix>-<8 base36 chars>", e.g. "task-k3v9x0qa".
// A trailing dash on prefix is ignored.
func GenerateGUID(prefix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "-")

	var b strings.Builder
	b.Grow(len(prefix) + 1 + guidLength)
	b.WriteString(prefix)
	b.WriteByte('-')

	// 252 is the largest multiple of 36 below 256; rejecting bytes above it
	// keeps every character equally likely.
	buf := make([]byte, guidLength*2)
	for n := 0; n < guidLength; {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate guid: %w", err)
		}
		for _, c := range buf {
			if c >= 252 || n == guidLength {
				continue
			}
			b.WriteByte(guidAlphabet[int(c)%len(guidAlphabet)])
			n++
		}
	}
	return b.String(), nil
}

// HasGUIDPrefix reports whether id looks like a GUID generated with prefix.
func HasGUIDPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, strings.TrimSuffix(prefix, "-")+"-")
	if !ok || len(rest) != guidLength {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if !strings.ContainsRune(guidAlphabet, rune(rest[i])) {
			return false
		}
	}
	return true
}
