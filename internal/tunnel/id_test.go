package tunnel

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{name: "letters digits dash underscore", id: "valid-Tunnel_123", ok: true},
		{name: "max length", id: strings.Repeat("a", MaxIDLength), ok: true},
		{name: "too long", id: strings.Repeat("a", MaxIDLength+1), ok: false},
		{name: "empty", id: "", ok: false},
		{name: "space", id: "invalid tunnel id", ok: false},
		{name: "bang", id: "invalid!", ok: false},
		{name: "slash", id: "invalid/char", ok: false},
		{name: "non ascii", id: "tünnel", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateID(tc.id)
			if tc.ok && err != nil {
				t.Fatalf("ValidateID(%q) unexpected error: %v", tc.id, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("ValidateID(%q) expected error", tc.id)
				}
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
			}
		})
	}
}

func TestParseMessageID(t *testing.T) {
	cases := []struct {
		raw  string
		want MessageID
		ok   bool
	}{
		{raw: "0-0", want: MessageID{}, ok: true},
		{raw: "999-123", want: MessageID{Epoch: 999, Seq: 123}, ok: true},
		{raw: "1712345678901-42", want: MessageID{Epoch: 1712345678901, Seq: 42}, ok: true},
		{raw: "", ok: false},
		{raw: "12", ok: false},
		{raw: "-1", ok: false},
		{raw: "1-", ok: false},
		{raw: "a-1", ok: false},
		{raw: "1-b", ok: false},
		{raw: "1-2-3", ok: false},
		{raw: "all", ok: false},
	}
	for _, tc := range cases {
		got, err := ParseMessageID(tc.raw)
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseMessageID(%q) expected error, got %v", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMessageID(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMessageID(%q)=%v want %v", tc.raw, got, tc.want)
		}
		if got.String() != tc.raw {
			t.Fatalf("String()=%q want %q", got.String(), tc.raw)
		}
	}
}

func TestMessageIDCompare(t *testing.T) {
	a := MessageID{Epoch: 1, Seq: 9}
	b := MessageID{Epoch: 1, Seq: 10}
	c := MessageID{Epoch: 2, Seq: 1}
	if a.Compare(b) >= 0 || b.Compare(c) >= 0 || a.Compare(c) >= 0 {
		t.Fatalf("unexpected ordering: %v %v %v", a, b, c)
	}
	if c.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatalf("unexpected reverse ordering")
	}
	if !(MessageID{}).IsZero() || a.IsZero() {
		t.Fatalf("IsZero mismatch")
	}
}
