package probe

import "testing"

func TestNormalizeCandidate(t *testing.T) {
	stored, display, score, ok := NormalizeCandidate("reverse_dns", "Lobby-Cam.Site.Example.")
	if !ok {
		t.Fatalf("expected ok")
	}
	if stored != "lobby-cam.site.example" {
		t.Fatalf("expected stored lowercased without trailing dot, got %q", stored)
	}
	if display != "lobby-cam" {
		t.Fatalf("expected display hostname label, got %q", display)
	}
	if score < 70 {
		t.Fatalf("expected score >= 70, got %d", score)
	}
}

func TestChooseBestDisplayName_PrefersInventoryOverProbes(t *testing.T) {
	name, ok := ChooseBestDisplayName([]NameCandidate{
		{Name: "cam-64.site.example", Source: "reverse_dns"},
		{Name: "parking-nvr", Source: "snmp"},
		{Name: "parking", Source: "inventory"},
	})
	if !ok {
		t.Fatalf("expected ok")
	}
	if name != "parking" {
		t.Fatalf("expected inventory name to win, got %q", name)
	}
}

func TestChooseBestDisplayName_RejectsGarbage(t *testing.T) {
	name, ok := ChooseBestDisplayName([]NameCandidate{
		{Name: "64.1.168.192.in-addr.arpa", Source: "reverse_dns"},
		{Name: "localhost", Source: "snmp"},
	})
	if ok {
		t.Fatalf("expected ok=false, got name=%q", name)
	}
}

func TestChooseBestDisplayName_SkipsLowQuality(t *testing.T) {
	if name, ok := ChooseBestDisplayName([]NameCandidate{
		{Name: "a", Source: "reverse_dns"},
		{Name: "front desk cam", Source: "snmp"},
	}); ok {
		t.Fatalf("expected no qualifying candidate, got %q", name)
	}
}
