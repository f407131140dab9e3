package wire

import (
	"testing"
)

func TestParseFrameRoundTrip(t *testing.T) {
	in := BuildMsg("c1", 12345678901234, "bob")
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Type != TypeMsg {
		t.Fatalf("type = %s, want MSG", out.Type)
	}
	p, err := ExtractMsg(out)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.ConvID != "c1" || p.MessageID != 12345678901234 || p.SenderID != "bob" {
		t.Fatalf("payload = %+v", p)
	}
}

// Snowflake ids sit near 2^59, far past float64's 53 bits of precision.
// Consecutive sequence numbers from the same millisecond differ by 1 and
// must stay distinct through encode/parse/extract.
func TestParseFramePreservesFullWidthIDs(t *testing.T) {
	const base = int64(881360567644721152)
	ids := []int64{base, base + 1, base + 2}

	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		data, err := BuildMsg("c1", id, "bob").Encode()
		if err != nil {
			t.Fatalf("encode %d: %v", id, err)
		}
		parsed, err := ParseFrame(data)
		if err != nil {
			t.Fatalf("parse %d: %v", id, err)
		}
		p, err := ExtractMsg(parsed)
		if err != nil {
			t.Fatalf("extract %d: %v", id, err)
		}
		if p.MessageID != id {
			t.Fatalf("message id = %d, want %d", p.MessageID, id)
		}
		if seen[p.MessageID] {
			t.Fatalf("id %d collapsed with an earlier one", id)
		}
		seen[p.MessageID] = true
	}

	// the read watermark travels the same path
	data, _ := BuildCack("c1", base+1).Encode()
	parsed, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse cack: %v", err)
	}
	ca, err := ExtractCack(parsed)
	if err != nil {
		t.Fatalf("extract cack: %v", err)
	}
	if ca.ThroughID != base+1 {
		t.Fatalf("through id = %d, want %d", ca.ThroughID, base+1)
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	if _, err := ParseFrame([]byte("not json")); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := ParseFrame([]byte(`{"ts":1}`)); err == nil {
		t.Fatal("frame without type accepted")
	}
}

func TestExtractPresence(t *testing.T) {
	f := BuildPresence("alice", true, 777)
	data, _ := f.Encode()
	parsed, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := ExtractPresence(parsed)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.FriendUserID != "alice" || !p.Online || p.TS != 777 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestExtractCack(t *testing.T) {
	f := BuildCack("c1", 42)
	data, _ := f.Encode()
	parsed, _ := ParseFrame(data)
	p, err := ExtractCack(parsed)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.ConvID != "c1" || p.ThroughID != 42 {
		t.Fatalf("payload = %+v", p)
	}
}
