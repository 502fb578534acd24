package document

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/pagecraft/pdfcore/contentstream"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/observability"
)

// Rect is a page box in default user space, normalized so LLX<=URX and
// LLY<=URY.
type Rect struct {
	LLX, LLY, URX, URY float64
}

func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

// Size is the effective page extent after rotation and UserUnit scaling.
type Size struct {
	Width  float64
	Height float64
}

// letterMediaBox stands in when a damaged file carries no MediaBox at all.
var letterMediaBox = Rect{0, 0, 612, 792}

// Page is one leaf of the page tree with its inherited attributes already
// resolved.
type Page struct {
	doc    *Document
	number int
	dict   *raw.DictObj

	resources *raw.DictObj
	boxes     map[string]*raw.ArrayObj
	rotate    int
	userUnit  float64
}

func newPage(d *Document, number int, dict *raw.DictObj, inh inherited) *Page {
	p := &Page{
		doc:      d,
		number:   number,
		dict:     dict,
		boxes:    inh.boxes,
		userUnit: 1,
	}
	p.resources = inh.resources
	if p.resources == nil {
		p.resources = raw.Dict()
	}
	if inh.rotate != nil {
		r := int(*inh.rotate) % 360
		if r < 0 {
			r += 360
		}
		if r%90 == 0 {
			p.rotate = r
		}
	}
	if inh.userUnit != nil {
		u := *inh.userUnit
		if u > 0 && !math.IsInf(u, 0) && !math.IsNaN(u) {
			p.userUnit = u
		}
	}
	return p
}

// Number is 1-based in document order.
func (p *Page) Number() int { return p.number }

func (p *Page) Dict() *raw.DictObj { return p.dict }

func (p *Page) Resources() *raw.DictObj { return p.resources }

// Rotate is the normalized page rotation: 0, 90, 180 or 270.
func (p *Page) Rotate() int { return p.rotate }

func (p *Page) UserUnit() float64 { return p.userUnit }

// Box returns one of the five standard page boxes, scaled by UserUnit.
// CropBox falls back to MediaBox; BleedBox, TrimBox and ArtBox fall back to
// CropBox.
func (p *Page) Box(name string) Rect {
	var r Rect
	switch name {
	case "MediaBox":
		r = p.rawBox("MediaBox", letterMediaBox)
	case "CropBox":
		r = p.rawBox("CropBox", p.rawBox("MediaBox", letterMediaBox))
	case "BleedBox", "TrimBox", "ArtBox":
		r = p.rawBox(name, p.rawBox("CropBox", p.rawBox("MediaBox", letterMediaBox)))
	default:
		r = p.rawBox("MediaBox", letterMediaBox)
	}
	return Rect{
		LLX: r.LLX * p.userUnit,
		LLY: r.LLY * p.userUnit,
		URX: r.URX * p.userUnit,
		URY: r.URY * p.userUnit,
	}
}

func (p *Page) rawBox(name string, fallback Rect) Rect {
	arr, ok := p.boxes[name]
	if !ok {
		return fallback
	}
	var v [4]float64
	for i := 0; i < 4; i++ {
		n, isNum := arr.Items[i].(raw.NumberObj)
		if !isNum {
			return fallback
		}
		v[i] = n.Float()
	}
	return Rect{
		LLX: math.Min(v[0], v[2]),
		LLY: math.Min(v[1], v[3]),
		URX: math.Max(v[0], v[2]),
		URY: math.Max(v[1], v[3]),
	}
}

// Size reports the visible extent: the CropBox dimensions, swapped when the
// page rotates by 90 or 270 degrees.
func (p *Page) Size() Size {
	box := p.Box("CropBox")
	w, h := box.Width(), box.Height()
	if p.rotate == 90 || p.rotate == 270 {
		w, h = h, w
	}
	return Size{Width: w, Height: h}
}

// DecodedContentStreams resolves /Contents and decodes each stream. A
// single stream yields one element; an array yields one per entry in array
// order.
func (p *Page) DecodedContentStreams(ctx context.Context) ([][]byte, error) {
	contentsObj, ok := raw.DictGet(p.dict, "Contents")
	if !ok {
		return nil, nil
	}
	resolved, err := p.doc.resolver.Resolve(ctx, contentsObj)
	if err != nil {
		return nil, err
	}
	var streams []*raw.StreamObj
	switch v := resolved.(type) {
	case *raw.StreamObj:
		streams = append(streams, v)
	case *raw.ArrayObj:
		for _, item := range v.Items {
			itemResolved, err := p.doc.resolver.Resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			if st, isStream := itemResolved.(*raw.StreamObj); isStream {
				streams = append(streams, st)
			}
		}
	default:
		return nil, fmt.Errorf("page %d: Contents is %s, not a stream or array", p.number, resolved.Type())
	}
	out := make([][]byte, 0, len(streams))
	var total int64
	for _, st := range streams {
		body, err := p.doc.resolver.DecodeStream(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("page %d: decode content stream: %w", p.number, err)
		}
		total += int64(len(body))
		out = append(out, body)
	}
	p.doc.logger.Debug("content streams decoded",
		observability.Int("page", p.number),
		observability.Int64(observability.MetricDecodedBytes, total))
	return out, nil
}

// Content joins the page's content streams into the single operator stream
// the interpreter consumes. Parts are separated by a newline; a token never
// spans two streams in conformant files, and the separator keeps damaged
// ones from gluing operators together.
func (p *Page) Content(ctx context.Context) ([]byte, error) {
	parts, err := p.DecodedContentStreams(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.Join(parts, []byte{'\n'}), nil
}

// Elements interprets the page content against its resources and returns
// the positioned elements in paint order.
func (p *Page) Elements(ctx context.Context) ([]contentstream.Element, error) {
	content, err := p.Content(ctx)
	if err != nil {
		return nil, err
	}
	return contentstream.Interpret(ctx, content, contentstream.Options{
		Resources:    p.resources,
		Resolver:     p.doc.resolver,
		MaxFormDepth: p.doc.limits.MaxFormDepth,
		Logger:       p.doc.logger,
	})
}

// Lookup follows obj through one level of indirection.
func (p *Page) Lookup(ctx context.Context, obj raw.Object) (raw.Object, error) {
	return p.doc.resolver.Resolve(ctx, obj)
}
