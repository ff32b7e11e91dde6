package main

import "fmt"

// DestKind selects which node surface a Destination addresses
type DestKind uint8

const (
	DestDirect DestKind = iota
	DestGroup
	DestInbox
)

// Destination is where messages are read from and sent to. Peer is set for
// DestDirect, GroupID for DestGroup and neither for DestInbox.
type Destination struct {
	Kind    DestKind `cbor:"kind"`
	Peer    string   `cbor:"peer,omitempty"`
	GroupID string   `cbor:"group,omitempty"`
}

// Direct addresses a one to one conversation with peer
func Direct(peer string) Destination {
	return Destination{Kind: DestDirect, Peer: peer}
}

// Group addresses a group feed
func Group(id string) Destination {
	return Destination{Kind: DestGroup, GroupID: id}
}

// Inbox addresses the aggregate of all direct messages
func Inbox() Destination {
	return Destination{Kind: DestInbox}
}

func (d Destination) String() string {
	switch d.Kind {
	case DestDirect:
		return "peer:" + d.Peer
	case DestGroup:
		return "group:" + d.GroupID
	case DestInbox:
		return "inbox"
	}
	return fmt.Sprintf("dest(%d)", uint8(d.Kind))
}

// Sendable reports whether messages can be composed for d
func (d Destination) Sendable() bool {
	switch d.Kind {
	case DestDirect:
		return d.Peer != ""
	case DestGroup:
		return d.GroupID != ""
	case DestInbox:
		return false
	}
	return false
}
