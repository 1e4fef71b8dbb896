package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode_Result(t *testing.T) {
	raw := []byte(`{"id":"req_1","type":"RESULT","success":true,"output":"host\\user"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != KindResult || !msg.Success || msg.Output != `host\user` || msg.ID != "req_1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecode_RejectsNonJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	_, err = Decode([]byte(`{"output":"x"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing type, got %v", err)
	}
}

func TestEncode_OmitsUnusedFields(t *testing.T) {
	raw, err := Encode(Stats())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(raw) != `{"type":"STATS"}` {
		t.Fatalf("unexpected frame: %s", raw)
	}
	raw, err = Encode(Execute("whoami"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(raw), `"command":"whoami"`) {
		t.Fatalf("expected command field, got %s", raw)
	}
}

func TestResponseKind(t *testing.T) {
	cases := map[Kind]Kind{
		KindExecute: KindResult,
		KindStats:   KindStatsResult,
		KindPing:    KindPong,
	}
	for out, want := range cases {
		got, ok := ResponseKind(out)
		if !ok || got != want {
			t.Fatalf("ResponseKind(%s) = %s, %v", out, got, ok)
		}
	}
	if _, ok := ResponseKind(KindResult); ok {
		t.Fatal("inbound kind must not map to a response")
	}
}
