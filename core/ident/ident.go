// Package ident generates the prefixed identifiers used across the execution
// core. IDs are nanoid-style strings over a no-look-alike alphabet so they
// survive being read aloud, copied from logs, and pasted into dashboards.
package ident

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet excludes look-alike characters (0/O, 1/I/l, 5/S, 2/Z ambiguity is
// resolved by dropping the letters, not the digits, where possible).
const Alphabet = "346789ABCDEFGHJKLMNPQRTUVWXYabcdefghijkmnpqrtwxyz"

// Length is the number of random characters following the prefix.
const Length = 24

// Prefixes for the two identifier families minted by the core.
const (
	ExecutionPrefix = "EX"
	EventPrefix     = "EV"
)

// New returns a fresh identifier with the given prefix.
func New(prefix string) string {
	return prefix + gonanoid.MustGenerate(Alphabet, Length)
}

// NewExecutionID returns a fresh execution identifier (prefix "EX").
func NewExecutionID() string {
	return New(ExecutionPrefix)
}

// NewEventID returns a fresh event identifier (prefix "EV").
func NewEventID() string {
	return New(EventPrefix)
}
