// Package contentstream interprets page content: it executes the operator
// stream against a graphics state machine and emits positioned elements.
package contentstream

import "github.com/pagecraft/pdfcore/coords"

// Element is one positioned piece of page content.
type Element interface{ isElement() }

// Point is a device-space coordinate.
type Point struct{ X, Y float64 }

// Subpath is one connected run of path points, already transformed to
// device space. Curves are represented by their control points.
type Subpath struct {
	Points []Point
	Closed bool
}

// PathElement is a painted path.
type PathElement struct {
	Subpaths []Subpath
	Stroke   bool
	Fill     bool
	EvenOdd  bool
	// Op is the painting operator that produced the element.
	Op          string
	StrokeColor []float64
	FillColor   []float64
	LineWidth   float64
}

func (*PathElement) isElement() {}

// TextRun is one shown string: its device-space origin, advance end, and
// the text state that produced it.
type TextRun struct {
	Text     string
	X, Y     float64
	EndX     float64
	FontName string
	// FontSize is the Tf operand; EffectiveFontSize folds in the vertical
	// scale of the text and transformation matrices.
	FontSize          float64
	EffectiveFontSize float64
	CharSpacing       float64
	WordSpacing       float64
	HorizontalScaling float64
	RenderMode        int
}

// TextElement groups the runs of one BT..ET text object.
type TextElement struct {
	Runs []TextRun
}

func (*TextElement) isElement() {}

// ImageElement is a placed XObject image or shading. CTM maps the unit
// square to the device-space area the image covers.
type ImageElement struct {
	// Kind is "image" or "shading".
	Kind   string
	Name   string
	CTM    coords.Matrix
	Width  int
	Height int
	// Data holds decoded samples, or the still-encoded payload when
	// Format names a compressed codec such as jpeg.
	Data   []byte
	Format string
}

func (*ImageElement) isElement() {}
