package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"create", `{"type":"create","roomId":"demo"}`},
		{"join", `{"type":"join","roomId":"demo"}`},
		{"created", `{"type":"created","id":"abc1234"}`},
		{"offer", `{"type":"offer","roomId":"demo","to":"g1","sdp":{"type":"offer","sdp":"v=0"},"offerFingerprint":"v=0"}`},
		{"answer", `{"type":"answer","roomId":"demo","to":"h1","sdp":{"type":"answer","sdp":"v=0"}}`},
		{"ice", `{"type":"ice","roomId":"demo","candidate":{"candidate":"candidate:1 1 udp 1 192.0.2.1 3000 typ host"}}`},
		{"play", `{"type":"play","roomId":"demo","time":12.5}`},
		{"video_url", `{"type":"video_url","roomId":"demo","url":"/uploads/a.mp4"}`},
		{"host-left", `{"type":"host-left"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err != nil {
				t.Fatalf("Parse(%s): %v", tc.raw, err)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"chat","text":"hi"}`},
		{"create missing room", `{"type":"create"}`},
		{"offer missing sdp", `{"type":"offer","roomId":"demo"}`},
		{"offer wrong sdp type", `{"type":"offer","roomId":"demo","sdp":{"type":"answer","sdp":"v=0"}}`},
		{"answer missing sdp", `{"type":"answer","roomId":"demo"}`},
		{"ice missing candidate", `{"type":"ice","roomId":"demo"}`},
		{"video_url missing url", `{"type":"video_url","roomId":"demo"}`},
		{"created missing id", `{"type":"created"}`},
		{"trailing data", `{"type":"join","roomId":"demo"}{"type":"join","roomId":"x"}`},
		{"not json", `nope`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err == nil {
				t.Fatalf("Parse(%s): expected error", tc.raw)
			}
		})
	}
}

func TestStampFrom_OverwritesAndPreserves(t *testing.T) {
	raw := `{"type":"offer","roomId":"demo","from":"spoofed","sdp":{"type":"offer","sdp":"v=0"},"extra":"kept"}`
	out, err := StampFrom([]byte(raw), "real-id")
	if err != nil {
		t.Fatalf("StampFrom: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("unmarshal stamped message: %v", err)
	}
	if got := string(fields["from"]); got != `"real-id"` {
		t.Fatalf("from=%s, want %q", got, "real-id")
	}
	if _, ok := fields["extra"]; !ok {
		t.Fatalf("unknown field dropped by StampFrom: %s", out)
	}
	if !strings.Contains(string(fields["sdp"]), "v=0") {
		t.Fatalf("sdp payload mangled: %s", fields["sdp"])
	}
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"ice","roomId":"demo","to":"g1","candidate":{"candidate":"x"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeICE || env.RoomID != "demo" || env.To != "g1" {
		t.Fatalf("envelope=%+v", env)
	}

	if _, err := ParseEnvelope([]byte(`{"roomId":"demo"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestHostBroadcastAndSignalSets(t *testing.T) {
	for _, typ := range []Type{TypeVideoURL, TypePlay, TypePause, TypeSeek, TypeSync, TypeScreenStopped} {
		if !IsHostBroadcast(typ) {
			t.Fatalf("IsHostBroadcast(%s)=false", typ)
		}
	}
	for _, typ := range []Type{TypeOffer, TypeAnswer, TypeICE} {
		if !IsSignal(typ) {
			t.Fatalf("IsSignal(%s)=false", typ)
		}
		if IsHostBroadcast(typ) {
			t.Fatalf("IsHostBroadcast(%s)=true", typ)
		}
	}
	if IsSignal(TypeCreate) || IsHostBroadcast(TypeCreate) {
		t.Fatal("create misclassified")
	}
}
