package invite

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rudransh-shrivastava/peer-chat/internal/apperr"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
)

const testTopic = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestInvite_RoundTrip(t *testing.T) {
	in := room.Descriptor{Name: "study group", Description: "finals prep", Topic: testTopic}

	code, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestInvite_EncodeDefaults(t *testing.T) {
	code, err := Encode(room.Descriptor{Topic: testTopic})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Name != DefaultName || out.Description != DefaultDescription {
		t.Errorf("expected defaults, got %+v", out)
	}
}

func TestInvite_EncodeRequiresTopic(t *testing.T) {
	_, err := Encode(room.Descriptor{Name: "x"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestInvite_DecodeRejects(t *testing.T) {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	cases := []struct {
		name string
		code string
		want error
	}{
		{"array payload", b64(`[1,2,3]`), ErrNotObject},
		{"string payload", b64(`"topic"`), ErrNotObject},
		{"null payload", b64(`null`), ErrNotObject},
		{"missing topic", b64(`{"name":"x"}`), ErrMissingTopic},
		{"numeric topic", b64(`{"topic":42}`), ErrMissingTopic},
		{"empty topic", b64(`{"topic":""}`), ErrMissingTopic},
	}

	for _, c := range cases {
		_, err := Decode(c.code)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, err)
		}
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("%s: expected validation kind, got %v", c.name, apperr.KindOf(err))
		}
	}
}

func TestInvite_DecodeGarbage(t *testing.T) {
	for _, code := range []string{"", "!!!not base64!!!"} {
		if _, err := Decode(code); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("code %q: expected validation error, got %v", code, err)
		}
	}
}

func TestInvite_DecodeIgnoresBadDisplayFields(t *testing.T) {
	code := base64.StdEncoding.EncodeToString([]byte(`{"name":5,"topic":"` + testTopic + `"}`))

	d, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if d.Topic != testTopic || d.Name != "" {
		t.Errorf("unexpected descriptor %+v", d)
	}
}
