// Package idgen provides pluggable ID generation for the scrape service.
//
// Constructors accept a Generator, making the ID strategy a startup-time
// decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Hex returns a Generator producing 32-char lowercase hex tokens (a UUIDv4
// without dashes). This is the session-token and artifact-filename format.
func Hex() Generator {
	return func() string {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
}

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Use only where a full UUID is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the service default: opaque 32-char hex tokens.
var Default Generator = Hex()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
