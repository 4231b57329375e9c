// CLAUDE:SUMMARY Pluggable id generators: UUIDv7 default, NanoID for trace ids, prefixed observer ids and their validation.
// Package idgen provides pluggable ID generation.
//
// Constructors that mint ids (the observer registry, the HTTP tracer) accept
// a Generator, so the id strategy is a startup-time decision and tests can
// inject deterministic ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ObserverPrefix tags observer session ids.
const ObserverPrefix = "obs_"

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used for trace ids where UUIDv7 is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// Observer mints observer ids: ObserverPrefix followed by a UUIDv7.
var Observer Generator = Prefixed(ObserverPrefix, UUIDv7())

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}

// ParseObserver validates an id minted by Observer.
func ParseObserver(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, ObserverPrefix)
	if !ok {
		return "", fmt.Errorf("idgen: observer id %q: missing %q prefix", s, ObserverPrefix)
	}
	u, err := Parse(rest)
	if err != nil {
		return "", fmt.Errorf("idgen: observer id %q: %w", s, err)
	}
	return ObserverPrefix + u, nil
}
