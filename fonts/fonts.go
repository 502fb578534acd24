// Package fonts models the font information text extraction needs: code
// byte length, glyph widths, and the ToUnicode mapping.
package fonts

import (
	"context"
	"fmt"
	"unicode/utf16"

	"github.com/pagecraft/pdfcore/cmap"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/recovery"
)

// Resolver is the object access the loader needs; *parser.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, obj raw.Object) (raw.Object, error)
	DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error)
}

type Options struct {
	MaxCMapRangeSize int
	Recovery         recovery.Strategy
	Logger           observability.Logger
}

// Font describes one loaded font resource. Widths are in glyph space
// (thousandths of text space units).
type Font struct {
	baseFont     string
	subtype      string
	composite    bool
	widths       map[int]float64
	defaultWidth float64
	toUnicode    *cmap.Map
}

func (f *Font) BaseFont() string { return f.baseFont }
func (f *Font) Subtype() string  { return f.subtype }

// Composite reports whether codes are two bytes wide (Type0 fonts).
func (f *Font) Composite() bool { return f.composite }

// CodeByteLength returns how many bytes one character code occupies.
func (f *Font) CodeByteLength() int {
	if f.composite {
		return 2
	}
	return 1
}

// Codes splits a raw show-string into character codes.
func (f *Font) Codes(data []byte) []int {
	step := f.CodeByteLength()
	out := make([]int, 0, len(data)/step)
	for i := 0; i+step <= len(data); i += step {
		code := 0
		for j := 0; j < step; j++ {
			code = code<<8 | int(data[i+j])
		}
		out = append(out, code)
	}
	return out
}

// GlyphWidth returns the advance width for a code in glyph space.
func (f *Font) GlyphWidth(code int) float64 {
	if w, ok := f.widths[code]; ok {
		return w
	}
	return f.defaultWidth
}

// HasToUnicode reports whether the font carries an explicit text mapping.
func (f *Font) HasToUnicode() bool { return f.toUnicode != nil }

// Decode maps a raw show-string to text: the ToUnicode CMap when present,
// otherwise UTF-16BE for composite fonts and Latin-1 for simple ones.
func (f *Font) Decode(data []byte) string {
	if f.toUnicode != nil {
		return f.toUnicode.Decode(data)
	}
	if f.composite {
		units := make([]uint16, 0, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			units = append(units, uint16(data[i])<<8|uint16(data[i+1]))
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// Load builds a Font from a font resource dictionary.
func Load(ctx context.Context, res Resolver, dict *raw.DictObj, opts Options) (*Font, error) {
	f := &Font{
		baseFont:     raw.NameFromDict(dict, "BaseFont"),
		subtype:      raw.NameFromDict(dict, "Subtype"),
		widths:       make(map[int]float64),
		defaultWidth: 500,
	}
	switch f.subtype {
	case "Type0":
		f.composite = true
		f.defaultWidth = 1000
		if err := loadDescendant(ctx, res, dict, f); err != nil {
			return nil, err
		}
	default:
		if err := loadSimpleWidths(ctx, res, dict, f); err != nil {
			return nil, err
		}
	}
	if err := loadToUnicode(ctx, res, dict, f, opts); err != nil {
		return nil, err
	}
	return f, nil
}

func loadSimpleWidths(ctx context.Context, res Resolver, dict *raw.DictObj, f *Font) error {
	firstChar := int(raw.IntFromDict(dict, "FirstChar", 0))
	wObj, ok := raw.DictGet(dict, "Widths")
	if ok {
		resolved, err := res.Resolve(ctx, wObj)
		if err != nil {
			return err
		}
		if arr, isArr := resolved.(*raw.ArrayObj); isArr {
			for i, it := range arr.Items {
				item, err := res.Resolve(ctx, it)
				if err != nil {
					return err
				}
				if n, isNum := item.(raw.NumberObj); isNum {
					f.widths[firstChar+i] = n.Float()
				}
			}
		}
	}
	if fdObj, ok := raw.DictGet(dict, "FontDescriptor"); ok {
		resolved, err := res.Resolve(ctx, fdObj)
		if err != nil {
			return err
		}
		if fd, isDict := resolved.(*raw.DictObj); isDict {
			if mw := raw.FloatFromDict(fd, "MissingWidth", -1); mw >= 0 {
				f.defaultWidth = mw
			}
		}
	}
	return nil
}

// loadDescendant reads the CIDFont under a Type0 wrapper: /DW and the
// /W array of per-CID widths.
func loadDescendant(ctx context.Context, res Resolver, dict *raw.DictObj, f *Font) error {
	dfObj, ok := raw.DictGet(dict, "DescendantFonts")
	if !ok {
		return nil
	}
	resolved, err := res.Resolve(ctx, dfObj)
	if err != nil {
		return err
	}
	arr, isArr := resolved.(*raw.ArrayObj)
	if !isArr || arr.Len() == 0 {
		return fmt.Errorf("DescendantFonts must be a one-element array")
	}
	descObj, err := res.Resolve(ctx, arr.Items[0])
	if err != nil {
		return err
	}
	desc, isDict := descObj.(*raw.DictObj)
	if !isDict {
		return fmt.Errorf("descendant font is not a dictionary")
	}
	f.defaultWidth = raw.FloatFromDict(desc, "DW", 1000)
	wObj, ok := raw.DictGet(desc, "W")
	if !ok {
		return nil
	}
	wResolved, err := res.Resolve(ctx, wObj)
	if err != nil {
		return err
	}
	wArr, isArr := wResolved.(*raw.ArrayObj)
	if !isArr {
		return nil
	}
	return parseCIDWidths(ctx, res, wArr, f)
}

// parseCIDWidths handles both /W forms: "c [w1 w2 ...]" assigns
// consecutive widths from c, and "c1 c2 w" assigns w to the whole range.
func parseCIDWidths(ctx context.Context, res Resolver, arr *raw.ArrayObj, f *Font) error {
	i := 0
	nextNum := func() (float64, bool, error) {
		if i >= arr.Len() {
			return 0, false, nil
		}
		item, err := res.Resolve(ctx, arr.Items[i])
		if err != nil {
			return 0, false, err
		}
		if n, ok := item.(raw.NumberObj); ok {
			i++
			return n.Float(), true, nil
		}
		return 0, false, nil
	}
	for i < arr.Len() {
		start, ok, err := nextNum()
		if err != nil {
			return err
		}
		if !ok {
			i++
			continue
		}
		if i >= arr.Len() {
			break
		}
		item, err := res.Resolve(ctx, arr.Items[i])
		if err != nil {
			return err
		}
		if list, isList := item.(*raw.ArrayObj); isList {
			i++
			for j, wIt := range list.Items {
				wRes, err := res.Resolve(ctx, wIt)
				if err != nil {
					return err
				}
				if n, isNum := wRes.(raw.NumberObj); isNum {
					f.widths[int(start)+j] = n.Float()
				}
			}
			continue
		}
		end, ok, err := nextNum()
		if err != nil {
			return err
		}
		if !ok {
			i++
			continue
		}
		w, ok, err := nextNum()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if end < start || end-start > 65536 {
			continue
		}
		for c := int(start); c <= int(end); c++ {
			f.widths[c] = w
		}
	}
	return nil
}

func loadToUnicode(ctx context.Context, res Resolver, dict *raw.DictObj, f *Font, opts Options) error {
	tuObj, ok := raw.DictGet(dict, "ToUnicode")
	if !ok {
		return nil
	}
	resolved, err := res.Resolve(ctx, tuObj)
	if err != nil {
		return err
	}
	st, isStream := resolved.(*raw.StreamObj)
	if !isStream {
		return nil
	}
	body, err := res.DecodeStream(ctx, st)
	if err != nil {
		return fmt.Errorf("decode ToUnicode stream: %w", err)
	}
	m, err := cmap.Parse(body, cmap.Options{
		MaxRangeSize: opts.MaxCMapRangeSize,
		Recovery:     opts.Recovery,
		Logger:       opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("parse ToUnicode cmap: %w", err)
	}
	f.toUnicode = m
	return nil
}
