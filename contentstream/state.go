package contentstream

import "github.com/pagecraft/pdfcore/coords"

// graphicsState carries everything q/Q saves and restores.
type graphicsState struct {
	ctm         coords.Matrix
	strokeColor []float64
	fillColor   []float64
	lineWidth   float64

	// Text state persists across text objects.
	charSpacing float64
	wordSpacing float64
	horizScale  float64 // Tz percentage
	leading     float64
	fontName    string
	fontSize    float64
	renderMode  int
	rise        float64
}

func newGraphicsState() graphicsState {
	return graphicsState{
		ctm:         coords.Identity(),
		strokeColor: []float64{0},
		fillColor:   []float64{0},
		lineWidth:   1,
		horizScale:  100,
	}
}

func (g graphicsState) clone() graphicsState {
	out := g
	out.strokeColor = append([]float64(nil), g.strokeColor...)
	out.fillColor = append([]float64(nil), g.fillColor...)
	return out
}

// textObject is the state local to one BT..ET pair.
type textObject struct {
	tm   coords.Matrix // text matrix
	tlm  coords.Matrix // text line matrix
	runs []TextRun
}

func newTextObject() *textObject {
	return &textObject{tm: coords.Identity(), tlm: coords.Identity()}
}

// setTextLine replaces both matrices, as Tm, Td, TD and T* do.
func (t *textObject) setTextLine(m coords.Matrix) {
	t.tm = m
	t.tlm = m
}
