// Package keys issues the short public keys that identify transfers and
// tracks which of them are currently usable.
package keys

import (
	"crypto/rand"
	"strings"
)

const (
	// DefaultAlphabet omits characters that are easily confused when read
	// aloud or typed: I, O, 0 and 1.
	DefaultAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	DefaultLength = 5
)

// Generator produces candidate keys.
type Generator interface {
	Generate(length int) string
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(length int) string

func (f GeneratorFunc) Generate(length int) string { return f(length) }

// Random draws characters uniformly from an alphabet using crypto/rand.
type Random struct {
	alphabet string
	limit    int
}

// NewRandom returns a Random over alphabet. An empty alphabet selects
// DefaultAlphabet. The alphabet must have between 2 and 256 characters.
func NewRandom(alphabet string) *Random {
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}
	n := len(alphabet)
	// Bytes at or above limit are rejected so every character stays equally likely.
	return &Random{alphabet: alphabet, limit: 256 - 256%n}
}

func (r *Random) Generate(length int) string {
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2+1)
	for len(out) < length {
		rand.Read(buf)
		for _, b := range buf {
			if int(b) >= r.limit {
				continue
			}
			out = append(out, r.alphabet[int(b)%len(r.alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out)
}

// WellFormed reports whether key has the given length and only uses
// characters from alphabet.
func WellFormed(key, alphabet string, length int) bool {
	if len(key) != length {
		return false
	}
	for _, c := range key {
		if !strings.ContainsRune(alphabet, c) {
			return false
		}
	}
	return true
}
