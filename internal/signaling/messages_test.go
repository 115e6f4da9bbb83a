package signaling

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	sdp := "v=0\r\no=- 4611 2 IN IP4 127.0.0.1\r\na=fingerprint:sha-256 AB:CD:EF\r\n"
	cases := []Message{
		Register{PeerID: "alice", Groups: []string{"red", "blue"}},
		Register{PeerID: "alice"},
		NewPeer{PeerID: "bob", Groups: []string{"red"}},
		Offer{To: "bob", From: "alice", SDP: sdp, Groups: []string{"red", "blue"}},
		Offer{To: "bob", From: "alice", SDP: sdp},
		Answer{To: "alice", From: "bob", SDP: sdp},
		Candidate{To: "alice", From: "bob", Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"},
		GroupUpdate{PeerID: "bob", Groups: []string{"green"}},
		GroupUpdate{PeerID: "bob"},
	}

	for _, want := range cases {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", want, err)
		}
		got := Decode(raw)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Decode(Encode(x)) mismatch\n raw=%q\n got=%#v\nwant=%#v", raw, got, want)
		}
	}
}

func TestEncode_WireShape(t *testing.T) {
	raw, err := Encode(Register{PeerID: "alice", Groups: []string{"red", "blue"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw != "register:alice:red,blue" {
		t.Fatalf("raw=%q", raw)
	}

	raw, err = Encode(Answer{To: "alice", From: "bob", SDP: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw != "alice:answer:bob:eA==" {
		t.Fatalf("raw=%q", raw)
	}
}

func TestDecode_MalformedIsUnrecognized(t *testing.T) {
	for _, raw := range []string{
		"",
		"hello",
		"register",
		"register::red",
		"register:a:b:c",
		"register:a,b:red",
		"new_peer:a,b",
		"group_update:,:red",
		"alice:offer:bob",
		"alice:offer:bob:!!notbase64!!",
		"alice:answer:bob:eA==:extra",
		"alice:dance:bob:eA==",
		":answer:bob:eA==",
		"alice:candidate::eA==",
	} {
		got := Decode(raw)
		u, ok := got.(Unrecognized)
		if !ok {
			t.Fatalf("Decode(%q)=%#v, want Unrecognized", raw, got)
		}
		if u.Raw != raw {
			t.Fatalf("Unrecognized.Raw=%q, want %q", u.Raw, raw)
		}
	}
}

func TestEncode_RejectsDelimiterInFields(t *testing.T) {
	for _, m := range []Message{
		Register{PeerID: "a:b"},
		Register{PeerID: ""},
		Register{PeerID: "a,b"},
		GroupUpdate{PeerID: "a,b"},
		NewPeer{PeerID: "a", Groups: []string{"x,y"}},
		Offer{To: "a", From: "b:c", SDP: "v=0"},
		Offer{To: "a", From: "b", SDP: "v=0", Groups: []string{"g:1"}},
		Candidate{To: "", From: "b", Candidate: "c"},
	} {
		if _, err := Encode(m); !errors.Is(err, ErrInvalidField) {
			t.Fatalf("Encode(%#v) err=%v, want ErrInvalidField", m, err)
		}
	}
}

func TestPeerList(t *testing.T) {
	if got := DecodePeerList("alice,,bob,"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("DecodePeerList=%v", got)
	}
	if got := DecodePeerList(""); got != nil {
		t.Fatalf("DecodePeerList(empty)=%v, want nil", got)
	}
	if got := EncodePeerList([]string{"a", "b"}); got != "a,b" {
		t.Fatalf("EncodePeerList=%q", got)
	}
}

func TestRelayTarget(t *testing.T) {
	cases := []struct {
		raw  string
		to   string
		want bool
	}{
		{"bob:offer:alice:eA==:red", "bob", true},
		{"bob:answer:alice:eA==", "bob", true},
		{"bob:anything:alice:payload:with:colons", "bob", true},
		{"register:alice:red", "", false},
		{"new_peer:alice:red:extra", "", false},
		{"group_update:alice:red:x", "", false},
		{"bob:answer:alice", "", false},
		{":answer:alice:eA==", "", false},
	}
	for _, tc := range cases {
		to, ok := RelayTarget(tc.raw)
		if ok != tc.want || to != tc.to {
			t.Fatalf("RelayTarget(%q)=(%q,%v), want (%q,%v)", tc.raw, to, ok, tc.to, tc.want)
		}
	}
}
