package contentstream

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pagecraft/pdfcore/filters"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/recovery"
)

type directResolver struct{}

func (directResolver) Resolve(ctx context.Context, obj raw.Object) (raw.Object, error) {
	return obj, nil
}

func (directResolver) DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error) {
	return filters.Default(filters.Limits{}).DecodeStream(ctx, st)
}

// simpleFont builds a non-composite font dictionary with explicit widths
// for a run of consecutive codes.
func simpleFont(first int, widths ...float64) *raw.DictObj {
	arr := raw.NewArray()
	for _, w := range widths {
		arr.Append(raw.NumberFloat(w))
	}
	d := raw.Dict()
	d.Set(raw.NameLiteral("Type"), raw.NameLiteral("Font"))
	d.Set(raw.NameLiteral("Subtype"), raw.NameLiteral("TrueType"))
	d.Set(raw.NameLiteral("BaseFont"), raw.NameLiteral("Helvetica"))
	d.Set(raw.NameLiteral("FirstChar"), raw.NumberInt(int64(first)))
	d.Set(raw.NameLiteral("Widths"), arr)
	return d
}

func resourcesWithFont(name string, font *raw.DictObj) *raw.DictObj {
	fontsDict := raw.Dict()
	fontsDict.Set(raw.NameLiteral(name), font)
	res := raw.Dict()
	res.Set(raw.NameLiteral("Font"), fontsDict)
	return res
}

func interpret(t *testing.T, content string, res *raw.DictObj) []Element {
	t.Helper()
	els, err := Interpret(context.Background(), []byte(content), Options{
		Resources: res,
		Resolver:  directResolver{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return els
}

func singleRun(t *testing.T, els []Element) TextRun {
	t.Helper()
	if len(els) != 1 {
		t.Fatalf("got %d elements, want 1", len(els))
	}
	te, ok := els[0].(*TextElement)
	if !ok {
		t.Fatalf("element is %T, want *TextElement", els[0])
	}
	if len(te.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(te.Runs))
	}
	return te.Runs[0]
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %g, want %g", what, got, want)
	}
}

func TestShowTextDisplacement(t *testing.T) {
	// Width of "A" is 600 glyph units: 600/1000 * 10 = 6 text units.
	res := resourcesWithFont("F1", simpleFont('A', 600))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf (A) Tj ET", res))
	approx(t, run.EndX-run.X, 6, "advance")
	if run.Text != "A" {
		t.Fatalf("Text = %q", run.Text)
	}
}

func TestCharSpacingAddsPerGlyph(t *testing.T) {
	// 600/1000*10 + 2 + 700/1000*10 + 2 = 17.
	res := resourcesWithFont("F1", simpleFont('A', 600, 700))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf 2 Tc (AB) Tj ET", res))
	approx(t, run.EndX-run.X, 17, "advance")
}

func TestWordSpacingAppliesToSpace(t *testing.T) {
	// Codes 0x20..0x42 with widths for space, A and B; word spacing adds
	// only on the space: 6 + (3+5) + 7 = 21. Char spacing left at zero.
	widths := make([]float64, 'B'-' '+1)
	widths[0] = 300
	widths['A'-' '] = 600
	widths['B'-' '] = 700
	res := resourcesWithFont("F1", simpleFont(' ', widths...))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf 5 Tw (A B) Tj ET", res))
	approx(t, run.EndX-run.X, 21, "advance")
}

func TestHorizontalScalingScalesAdvance(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf 50 Tz (A) Tj ET", res))
	approx(t, run.EndX-run.X, 3, "advance")
}

func TestEffectiveFontSize(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))

	run := singleRun(t, interpret(t, "BT /F1 12 Tf (A) Tj ET", res))
	approx(t, run.EffectiveFontSize, 12, "identity")

	run = singleRun(t, interpret(t, "BT /F1 12 Tf 1 0 0 2 0 0 Tm (A) Tj ET", res))
	approx(t, run.EffectiveFontSize, 24, "Tm scale")

	run = singleRun(t, interpret(t, "3 0 0 3 0 0 cm BT /F1 10 Tf (A) Tj ET", res))
	approx(t, run.EffectiveFontSize, 30, "CTM scale")

	run = singleRun(t, interpret(t, "1.5 0 0 1.5 0 0 cm BT /F1 10 Tf 2 0 0 2 0 0 Tm (A) Tj ET", res))
	approx(t, run.EffectiveFontSize, 30, "Tm times CTM")
}

func TestTextPositionFollowsMatrices(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf 100 700 Td (A) Tj ET", res))
	approx(t, run.X, 100, "X")
	approx(t, run.Y, 700, "Y")

	// cm translation shifts the device-space origin on top of Td.
	run = singleRun(t, interpret(t, "1 0 0 1 10 20 cm BT /F1 10 Tf 100 700 Td (A) Tj ET", res))
	approx(t, run.X, 110, "X with cm")
	approx(t, run.Y, 720, "Y with cm")
}

func TestTJNumbersAdjustPosition(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600, 700))
	els := interpret(t, "BT /F1 10 Tf [(A) -1000 (B)] TJ ET", res)
	te := els[0].(*TextElement)
	if len(te.Runs) != 2 {
		t.Fatalf("got %d runs, want one per string element", len(te.Runs))
	}
	// -(-1000)/1000 * 10 = 10 extra units between A's end and B's start.
	approx(t, te.Runs[1].X-te.Runs[0].EndX, 10, "TJ gap")
	if te.Runs[0].Text != "A" || te.Runs[1].Text != "B" {
		t.Fatalf("runs = %q, %q", te.Runs[0].Text, te.Runs[1].Text)
	}
}

func TestTDSetsLeadingAndTStar(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600, 700))
	els := interpret(t, "BT /F1 10 Tf 0 -14 TD (A) Tj T* (B) Tj ET", res)
	te := els[0].(*TextElement)
	if len(te.Runs) != 2 {
		t.Fatalf("got %d runs", len(te.Runs))
	}
	approx(t, te.Runs[0].Y, -14, "first line Y")
	approx(t, te.Runs[1].Y, -28, "second line Y")
	approx(t, te.Runs[1].X, 0, "T* returns to line start")
}

func TestGraphicsStateStack(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	// The scaled CTM is discarded by Q before the text is shown.
	run := singleRun(t, interpret(t, "q 5 0 0 5 0 0 cm Q BT /F1 10 Tf (A) Tj ET", res))
	approx(t, run.EffectiveFontSize, 10, "EffectiveFontSize after Q")
}

func TestRestoreOnEmptyStackIsIgnored(t *testing.T) {
	strategy := recovery.NewLenientStrategy()
	els, err := Interpret(context.Background(), []byte("Q Q BT ET"), Options{
		Recovery: strategy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(els) != 0 {
		t.Fatalf("got %d elements", len(els))
	}
	if len(strategy.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2", len(strategy.Warnings))
	}
}

func TestTextOperatorsOutsideTextObject(t *testing.T) {
	els := interpret(t, "(orphan) Tj [(more)] TJ", nil)
	if len(els) != 0 {
		t.Fatalf("got %d elements, want text outside BT..ET dropped", len(els))
	}
}

func TestUnknownOperatorsSkipped(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	run := singleRun(t, interpret(t, "/GS1 xyzzy 4 frob BT /F1 10 Tf (A) Tj ET", res))
	if run.Text != "A" {
		t.Fatalf("Text = %q", run.Text)
	}
}

func TestRectanglePath(t *testing.T) {
	els := interpret(t, "2 0 0 2 0 0 cm 1 0 0 RG 10 20 30 40 re S", nil)
	if len(els) != 1 {
		t.Fatalf("got %d elements", len(els))
	}
	p, ok := els[0].(*PathElement)
	if !ok {
		t.Fatalf("element is %T", els[0])
	}
	if !p.Stroke || p.Fill {
		t.Fatalf("Stroke=%v Fill=%v", p.Stroke, p.Fill)
	}
	// Corners doubled by the CTM.
	want := []Subpath{{
		Points: []Point{{20, 40}, {80, 40}, {80, 120}, {20, 120}},
		Closed: true,
	}}
	if diff := cmp.Diff(want, p.Subpaths); diff != "" {
		t.Fatalf("subpaths mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 0, 0}, p.StrokeColor); diff != "" {
		t.Fatalf("StrokeColor mismatch (-want +got):\n%s", diff)
	}
}

func TestPathEndedWithoutPaintIsDropped(t *testing.T) {
	els := interpret(t, "10 20 30 40 re W n", nil)
	if len(els) != 0 {
		t.Fatalf("got %d elements, clip-only path should not paint", len(els))
	}
}

func TestFillRuleVariants(t *testing.T) {
	els := interpret(t, "0 0 5 5 re f* 0 0 5 5 re B", nil)
	if len(els) != 2 {
		t.Fatalf("got %d elements", len(els))
	}
	if !els[0].(*PathElement).EvenOdd {
		t.Fatal("f* should set EvenOdd")
	}
	second := els[1].(*PathElement)
	if !second.Stroke || !second.Fill || second.EvenOdd {
		t.Fatalf("B flags = %+v", second)
	}
}

func TestFormXObject(t *testing.T) {
	font := simpleFont('A', 600)
	formRes := resourcesWithFont("F1", font)
	formDict := raw.Dict()
	formDict.Set(raw.NameLiteral("Subtype"), raw.NameLiteral("Form"))
	formDict.Set(raw.NameLiteral("Matrix"), raw.NewArray(
		raw.NumberInt(1), raw.NumberInt(0), raw.NumberInt(0),
		raw.NumberInt(1), raw.NumberInt(50), raw.NumberInt(60)))
	formDict.Set(raw.NameLiteral("Resources"), formRes)
	form := raw.NewStream(formDict, []byte("BT /F1 10 Tf (A) Tj ET"))

	xobjs := raw.Dict()
	xobjs.Set(raw.NameLiteral("Fm0"), form)
	res := raw.Dict()
	res.Set(raw.NameLiteral("XObject"), xobjs)

	run := singleRun(t, interpret(t, "/Fm0 Do", res))
	approx(t, run.X, 50, "form Matrix X")
	approx(t, run.Y, 60, "form Matrix Y")
}

func TestFormRecursionBounded(t *testing.T) {
	formDict := raw.Dict()
	formDict.Set(raw.NameLiteral("Subtype"), raw.NameLiteral("Form"))
	form := raw.NewStream(formDict, []byte("/Fm0 Do"))
	xobjs := raw.Dict()
	xobjs.Set(raw.NameLiteral("Fm0"), form)
	formDict.Set(raw.NameLiteral("Resources"), func() *raw.DictObj {
		d := raw.Dict()
		d.Set(raw.NameLiteral("XObject"), xobjs)
		return d
	}())
	res := raw.Dict()
	res.Set(raw.NameLiteral("XObject"), xobjs)

	strategy := recovery.NewLenientStrategy()
	_, err := Interpret(context.Background(), []byte("/Fm0 Do"), Options{
		Resources:    res,
		Resolver:     directResolver{},
		MaxFormDepth: 4,
		Recovery:     strategy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(strategy.Warnings) == 0 {
		t.Fatal("expected a nesting warning")
	}
}

func TestImageXObject(t *testing.T) {
	imgDict := raw.Dict()
	imgDict.Set(raw.NameLiteral("Subtype"), raw.NameLiteral("Image"))
	imgDict.Set(raw.NameLiteral("Width"), raw.NumberInt(2))
	imgDict.Set(raw.NameLiteral("Height"), raw.NumberInt(2))
	imgDict.Set(raw.NameLiteral("Filter"), raw.NameLiteral("DCTDecode"))
	payload := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	img := raw.NewStream(imgDict, payload)

	xobjs := raw.Dict()
	xobjs.Set(raw.NameLiteral("Im0"), img)
	res := raw.Dict()
	res.Set(raw.NameLiteral("XObject"), xobjs)

	els := interpret(t, "q 100 0 0 80 10 20 cm /Im0 Do Q", res)
	if len(els) != 1 {
		t.Fatalf("got %d elements", len(els))
	}
	el := els[0].(*ImageElement)
	if el.Kind != "image" || el.Name != "Im0" {
		t.Fatalf("element = %+v", el)
	}
	if el.Width != 2 || el.Height != 2 {
		t.Fatalf("size = %dx%d", el.Width, el.Height)
	}
	if el.Format != "jpeg" || string(el.Data) != string(payload) {
		t.Fatalf("Format=%q Data=%v, want the encoded payload passed through", el.Format, el.Data)
	}
	approx(t, el.CTM[0], 100, "CTM sx")
	approx(t, el.CTM[4], 10, "CTM tx")
}

func TestInlineImageSkipped(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	content := "BI /W 1 /H 1 /BPC 8 /CS /G ID \x00 EI BT /F1 10 Tf (A) Tj ET"
	run := singleRun(t, interpret(t, content, res))
	if run.Text != "A" {
		t.Fatalf("Text = %q, inline image should not derail parsing", run.Text)
	}
}

func TestMissingEndTextStillEmitsRuns(t *testing.T) {
	res := resourcesWithFont("F1", simpleFont('A', 600))
	run := singleRun(t, interpret(t, "BT /F1 10 Tf (A) Tj", res))
	if run.Text != "A" {
		t.Fatalf("Text = %q", run.Text)
	}
}
