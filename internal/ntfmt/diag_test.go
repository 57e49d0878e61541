package ntfmt

import "testing"

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeBestEffort, "strict": ModeStrict, "best-effort": ModeBestEffort} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("lenient"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestDiags(t *testing.T) {
	var d Diags
	d.Add(0x1000, DiagUnmapped, "eprocess")
	d.Addf(0x2000, DiagImplausible, "pid %d", 3)
	if d.Len() != 2 {
		t.Fatalf("Len = %d", d.Len())
	}
	if got := d.Items()[1].String(); got != "[implausible] 0x2000: pid 3" {
		t.Errorf("String = %q", got)
	}
}
