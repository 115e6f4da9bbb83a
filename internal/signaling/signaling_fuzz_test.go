package signaling

import (
	"reflect"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add("register:alice:red,blue")
	f.Add("new_peer:bob:")
	f.Add("group_update:bob:red")
	f.Add("alice:offer:bob:dj0w:red")
	f.Add("alice:answer:bob:dj0w")
	f.Add("alice:candidate:bob:e30=")

	// Known-bad cases from unit tests and common mistakes.
	f.Add("alice:offer:bob:not-base64!")
	f.Add("alice:offer::dj0w")
	f.Add(":::")
	f.Add("register")
	f.Add("")

	f.Fuzz(func(t *testing.T, raw string) {
		msg1 := Decode(raw)
		msg2 := Decode(raw)
		if !reflect.DeepEqual(msg1, msg2) {
			t.Fatalf("non-deterministic decode: %#v vs %#v", msg1, msg2)
		}
		if _, ok := msg1.(Unrecognized); ok {
			return
		}

		// Anything that decodes must re-encode and decode to the same value.
		enc, err := Encode(msg1)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", msg1, err)
		}
		if got := Decode(enc); !reflect.DeepEqual(got, msg1) {
			t.Fatalf("round trip mismatch: %#v -> %q -> %#v", msg1, enc, got)
		}

		if to, ok := RelayTarget(raw); ok {
			switch m := msg1.(type) {
			case Offer:
				if m.To != to {
					t.Fatalf("RelayTarget=%q, offer to %q", to, m.To)
				}
			case Answer:
				if m.To != to {
					t.Fatalf("RelayTarget=%q, answer to %q", to, m.To)
				}
			case Candidate:
				if m.To != to {
					t.Fatalf("RelayTarget=%q, candidate to %q", to, m.To)
				}
			default:
				t.Fatalf("RelayTarget ok for %T", msg1)
			}
		}
	})
}
