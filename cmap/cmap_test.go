package cmap

import (
	"fmt"
	"testing"

	"github.com/pagecraft/pdfcore/recovery"
)

const cmapHeader = `/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
/CMapName /Adobe-Identity-UCS def
/CMapType 2 def
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
`

func parseCMap(t *testing.T, body string, opts Options) *Map {
	t.Helper()
	m, err := Parse([]byte(cmapHeader+body+"endcmap\nCMapName currentdict /CMap defineresource pop\nend\nend\n"), opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func TestBFChar(t *testing.T) {
	m := parseCMap(t, `2 beginbfchar
<0041> <0048>
<0042> <00660066>
endbfchar
`, Options{})
	if got, ok := m.Lookup([]byte{0x00, 0x41}); !ok || got != "H" {
		t.Fatalf("Lookup(0041) = %q, %v", got, ok)
	}
	if got, _ := m.Lookup([]byte{0x00, 0x42}); got != "ff" {
		t.Fatalf("multi-unit destination = %q, want ff", got)
	}
}

func TestBFRangeIncrement(t *testing.T) {
	m := parseCMap(t, `1 beginbfrange
<0041> <0043> <0061>
endbfrange
`, Options{})
	for i, want := range []string{"a", "b", "c"} {
		code := []byte{0x00, byte(0x41 + i)}
		if got, _ := m.Lookup(code); got != want {
			t.Fatalf("Lookup(%x) = %q, want %q", code, got, want)
		}
	}
}

func TestBFRangeArray(t *testing.T) {
	m := parseCMap(t, `1 beginbfrange
<0010> <0012> [<0058> <0059> <005A>]
endbfrange
`, Options{})
	if got, _ := m.Lookup([]byte{0x00, 0x12}); got != "Z" {
		t.Fatalf("array destination = %q, want Z", got)
	}
}

func TestRangeAtCapExpandsFully(t *testing.T) {
	strategy := &recovery.LenientStrategy{}
	m := parseCMap(t, `1 beginbfrange
<0000> <00FF> <0020>
endbfrange
`, Options{Recovery: strategy})
	if m.Len() != 256 {
		t.Fatalf("got %d entries, want 256", m.Len())
	}
	if len(strategy.Warnings) != 0 {
		t.Fatalf("range at cap should not warn, got %d warnings", len(strategy.Warnings))
	}
}

func TestRangeOverCapTruncates(t *testing.T) {
	strategy := &recovery.LenientStrategy{}
	m := parseCMap(t, `1 beginbfrange
<0000> <0100> <0020>
endbfrange
`, Options{Recovery: strategy})
	if m.Len() != 256 {
		t.Fatalf("got %d entries, want 256 after truncation", m.Len())
	}
	if len(strategy.Warnings) != 1 {
		t.Fatalf("truncation should warn exactly once, got %d", len(strategy.Warnings))
	}
	// The prefix below the cap stays mapped.
	if got, _ := m.Lookup([]byte{0x00, 0xFF}); got == "" {
		t.Fatal("entry below cap missing")
	}
	if _, ok := m.Lookup([]byte{0x01, 0x00}); ok {
		t.Fatal("entry beyond cap should be absent")
	}
}

func TestCustomRangeCap(t *testing.T) {
	strategy := &recovery.LenientStrategy{}
	m := parseCMap(t, `1 beginbfrange
<0000> <0014> <0041>
endbfrange
`, Options{MaxRangeSize: 10, Recovery: strategy})
	if m.Len() != 10 {
		t.Fatalf("got %d entries, want 10 with cap 10", m.Len())
	}
	if len(strategy.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(strategy.Warnings))
	}
}

func TestDecode(t *testing.T) {
	m := parseCMap(t, `2 beginbfchar
<0041> <0048>
<0042> <0069>
endbfchar
`, Options{})
	got := m.Decode([]byte{0x00, 0x41, 0x00, 0x42})
	if got != "Hi" {
		t.Fatalf("Decode = %q, want Hi", got)
	}
	withUnknown := m.Decode([]byte{0x00, 0x41, 0xEE})
	if want := "H�"; withUnknown != want {
		t.Fatalf("Decode with unmapped code = %q, want %q", withUnknown, want)
	}
}

func TestSurrogatePairDestination(t *testing.T) {
	// U+1D11E (musical G clef) as a UTF-16BE surrogate pair.
	m := parseCMap(t, `1 beginbfchar
<0041> <D834DD1E>
endbfchar
`, Options{})
	if got, _ := m.Lookup([]byte{0x00, 0x41}); got != "\U0001D11E" {
		t.Fatalf("surrogate pair decoded to %q", got)
	}
}

func TestManySmallRanges(t *testing.T) {
	body := "3 beginbfrange\n"
	for i := 0; i < 3; i++ {
		body += fmt.Sprintf("<%02X00> <%02XFF> <0030>\n", i+1, i+1)
	}
	body += "endbfrange\n"
	strategy := &recovery.LenientStrategy{}
	m := parseCMap(t, body, Options{Recovery: strategy})
	if m.Len() != 3*256 {
		t.Fatalf("got %d entries, want %d", m.Len(), 3*256)
	}
	if len(strategy.Warnings) != 0 {
		t.Fatalf("per-range cap should not trip across ranges, got %d warnings", len(strategy.Warnings))
	}
}
