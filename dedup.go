package main

import (
	"strconv"
	"strings"
	"time"
)

const (
	defaultPrefixLength = 50
	defaultBucket       = 3 * time.Second
)

// Keyer derives message identity without a server issued id.
//
// Two messages from the same party whose first PrefixLength runes match and
// whose timestamps fall in the same Bucket get the same key. That collision
// is a known limitation: they cannot be told apart.
type Keyer struct {
	PrefixLength int
	Bucket       time.Duration
}

// DefaultKeyer uses a 50 rune prefix and a 3 second bucket
var DefaultKeyer = Keyer{PrefixLength: defaultPrefixLength, Bucket: defaultBucket}

func (k Keyer) bucketSeconds() int64 {
	s := int64(k.Bucket / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func (k Keyer) prefix(body string) string {
	n := k.PrefixLength
	if n <= 0 {
		n = defaultPrefixLength
	}
	i := 0
	for pos := range body {
		if i == n {
			return body[:pos]
		}
		i++
	}
	return body
}

// party is the direction for our own messages and the sender address otherwise
func party(m *Message) string {
	if m.Direction == Sent {
		return "sent"
	}
	return "from:" + m.FromAddress
}

func (k Keyer) derive(m *Message, bucket int64) string {
	var sb strings.Builder
	sb.WriteString(party(m))
	sb.WriteByte('|')
	sb.WriteString(k.prefix(m.Body))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(bucket, 10))
	return sb.String()
}

func (k Keyer) bucket(m *Message) int64 {
	s := k.bucketSeconds()
	ts := m.Timestamp
	if ts < 0 {
		return (ts - s + 1) / s
	}
	return ts / s
}

// Derive returns the content derived key of m
func (k Keyer) Derive(m *Message) string {
	return k.derive(m, k.bucket(m))
}

// Key returns the identity of m: the server key verbatim when the node
// supplied one, the derived key otherwise.
func (k Keyer) Key(m *Message) string {
	if m.ServerKey != "" {
		return m.ServerKey
	}
	return k.Derive(m)
}

// candidates returns the derived keys a server copy of optimistic message m
// may carry. The node stamps its own clock, which may land one bucket on
// either side of ours.
func (k Keyer) candidates(m *Message) [3]string {
	b := k.bucket(m)
	return [3]string{k.derive(m, b), k.derive(m, b+1), k.derive(m, b-1)}
}
