// Package heartbeat defines the fixed-layout multicast announcement nodes
// exchange to discover one another, and its big-endian wire encoding.
package heartbeat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// NodeIDLength is the fixed width, in bytes, of the raw ASCII node id field
// (a 36-character hyphenated UUID string).
const NodeIDLength = 36

// fixedPrefixLength is version(3*int32) + nodeID(36) + infoID(int32) +
// servicePort(int32) = 12 + 36 + 4 + 4 = 56 bytes.
const fixedPrefixLength = 3*4 + NodeIDLength + 4 + 4

// ErrMalformed is returned by Decode when the input is shorter than the
// fixed 56-byte prefix.
var ErrMalformed = errors.New("heartbeat: malformed datagram")

// Version identifies the wire protocol version carried by every heartbeat.
// Receivers discard heartbeats whose major.minor does not match theirs.
type Version struct {
	Major int32
	Minor int32
	Patch int32
}

// Message is the fixed-layout heartbeat payload broadcast over the
// multicast group.
type Message struct {
	Version     Version
	NodeID      string
	InfoID      int32
	ServicePort int32
	GroupName   string
}

// Encode serializes m to its big-endian wire layout. It fails if NodeID is
// not exactly NodeIDLength bytes long.
func Encode(m Message) ([]byte, error) {
	if len(m.NodeID) != NodeIDLength {
		return nil, fmt.Errorf("heartbeat: nodeID must be %d bytes, got %d", NodeIDLength, len(m.NodeID))
	}

	buf := new(bytes.Buffer)
	buf.Grow(fixedPrefixLength + len(m.GroupName))

	for _, v := range []int32{m.Version.Major, m.Version.Minor, m.Version.Patch} {
		if err := binary.Write(buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	buf.WriteString(m.NodeID)
	if err := binary.Write(buf, binary.BigEndian, m.InfoID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.ServicePort); err != nil {
		return nil, err
	}
	buf.WriteString(m.GroupName)

	return buf.Bytes(), nil
}

// Decode parses the fixed prefix and trailing group name out of raw. It
// returns ErrMalformed when raw is shorter than the 56-byte fixed prefix.
func Decode(raw []byte) (Message, error) {
	var m Message
	if len(raw) < fixedPrefixLength {
		return m, ErrMalformed
	}

	r := bytes.NewReader(raw)
	for _, dst := range []*int32{&m.Version.Major, &m.Version.Minor, &m.Version.Patch} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return Message{}, ErrMalformed
		}
	}

	nodeID := make([]byte, NodeIDLength)
	if _, err := r.Read(nodeID); err != nil {
		return Message{}, ErrMalformed
	}
	m.NodeID = string(nodeID)

	if err := binary.Read(r, binary.BigEndian, &m.InfoID); err != nil {
		return Message{}, ErrMalformed
	}
	if err := binary.Read(r, binary.BigEndian, &m.ServicePort); err != nil {
		return Message{}, ErrMalformed
	}

	rest := raw[fixedPrefixLength:]
	m.GroupName = string(rest)

	return m, nil
}

// MatchesGroup reports whether the heartbeat's group name and major.minor
// version match the local node's expectations.
func MatchesGroup(m Message, localGroupName string, localVersion Version) bool {
	return m.GroupName == localGroupName &&
		m.Version.Major == localVersion.Major &&
		m.Version.Minor == localVersion.Minor
}
