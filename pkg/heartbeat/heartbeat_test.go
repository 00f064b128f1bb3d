package heartbeat

import "testing"

func testNodeID() string {
	return "00000000-0000-0000-0000-000000000001"
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Message{
		Version:     Version{1, 2, 3},
		NodeID:      testNodeID(),
		InfoID:      7,
		ServicePort: 9000,
		GroupName:   "zlc_default_group_name",
	}

	raw, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < fixedPrefixLength {
		t.Fatalf("encoded heartbeat shorter than fixed prefix: %d bytes", len(raw))
	}

	out, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("round-trip mismatch: in=%+v out=%+v", in, out)
	}
}

func TestEncodeRejectsWrongNodeIDLength(t *testing.T) {
	_, err := Encode(Message{NodeID: "too-short"})
	if err == nil {
		t.Fatal("expected error for short nodeID")
	}
}

func TestDecodeRejectsShortDatagram(t *testing.T) {
	_, err := Decode(make([]byte, fixedPrefixLength-1))
	if err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeWithEmptyGroupName(t *testing.T) {
	in := Message{NodeID: testNodeID()}
	raw, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != fixedPrefixLength {
		t.Fatalf("expected exactly the fixed prefix with empty group name, got %d bytes", len(raw))
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.GroupName != "" {
		t.Fatalf("expected empty group name, got %q", out.GroupName)
	}
}

func TestMatchesGroup(t *testing.T) {
	m := Message{Version: Version{1, 0, 5}, GroupName: "g"}
	if !MatchesGroup(m, "g", Version{1, 0, 9}) {
		t.Fatal("expected match: patch version must not matter")
	}
	if MatchesGroup(m, "other", Version{1, 0, 5}) {
		t.Fatal("expected mismatch on group name")
	}
	if MatchesGroup(m, "g", Version{2, 0, 5}) {
		t.Fatal("expected mismatch on major version")
	}
}
