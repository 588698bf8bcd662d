package record

import "testing"

func TestDedupe_FirstWins(t *testing.T) {
	in := []Session{
		{Key: "agent:honzik:main", Model: "full"},
		{Key: "agent:kea:main"},
		{Key: "agent:honzik:main", Model: "stub"},
	}
	out := Dedupe(in, SessionKey)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Key != "agent:honzik:main" || out[0].Model != "full" {
		t.Errorf("out[0] = %+v, want first occurrence", out[0])
	}
	if out[1].Key != "agent:kea:main" {
		t.Errorf("out[1] = %+v, order not preserved", out[1])
	}
}

func TestDedupe_Empty(t *testing.T) {
	if out := Dedupe(nil, JobKey); len(out) != 0 {
		t.Errorf("Dedupe(nil) = %v", out)
	}
}
