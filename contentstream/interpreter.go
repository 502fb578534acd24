package contentstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pagecraft/pdfcore/coords"
	"github.com/pagecraft/pdfcore/filters"
	"github.com/pagecraft/pdfcore/fonts"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/recovery"
	"github.com/pagecraft/pdfcore/scanner"
)

// Resolver is the object access the interpreter needs; *parser.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, obj raw.Object) (raw.Object, error)
	DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error)
}

type Options struct {
	// Resources is the page's resource dictionary.
	Resources *raw.DictObj
	Resolver  Resolver
	// MaxFormDepth bounds form XObject recursion. Default: 20.
	MaxFormDepth     int
	MaxCMapRangeSize int
	Recovery         recovery.Strategy
	Logger           observability.Logger
	// BaseCTM transforms user space to device space before any cm
	// operator applies; the identity when zero.
	BaseCTM coords.Matrix
}

// Interpret executes a decoded content stream and returns its elements in
// paint order. Unknown operators are skipped; structural damage is routed
// through the recovery strategy.
func Interpret(ctx context.Context, content []byte, opts Options) ([]Element, error) {
	if opts.MaxFormDepth <= 0 {
		opts.MaxFormDepth = 20
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	if opts.Recovery == nil {
		opts.Recovery = recovery.NewLenientStrategy()
	}
	in := &interp{ctx: ctx, opts: opts, fonts: make(map[string]*fonts.Font)}
	in.gs = newGraphicsState()
	if opts.BaseCTM != (coords.Matrix{}) {
		in.gs.ctm = opts.BaseCTM
	}
	if err := in.run(content, opts.Resources, 0); err != nil {
		return nil, err
	}
	in.flushText(true)
	return in.elements, nil
}

type interp struct {
	ctx      context.Context
	opts     Options
	elements []Element

	gs      graphicsState
	gsStack []graphicsState
	text    *textObject

	subpaths []Subpath
	current  []Point
	closed   bool

	fonts   map[string]*fonts.Font
	curFont *fonts.Font
}

func (in *interp) recover(err error, component string) error {
	if in.opts.Recovery == nil {
		return err
	}
	action := in.opts.Recovery.OnError(err, recovery.Location{Component: component})
	if action == recovery.ActionFail {
		return err
	}
	return nil
}

func (in *interp) run(content []byte, resources *raw.DictObj, depth int) error {
	s := scanner.New(bytes.NewReader(content), scanner.Config{Recovery: in.opts.Recovery})
	var operands []raw.Object
	for {
		if err := in.ctx.Err(); err != nil {
			return err
		}
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if recErr := in.recover(err, "contentstream"); recErr != nil {
				return recErr
			}
			continue
		}
		switch tok.Type {
		case scanner.TokenKeyword:
			if tok.Str == "]" || tok.Str == ">>" {
				continue
			}
			if err := in.execute(tok.Str, operands, resources, depth); err != nil {
				return err
			}
			operands = operands[:0]
		case scanner.TokenInlineImage:
			// Inline image payload after BI ... ID; parameters are in
			// operands. Skipped by design of the element model.
			in.opts.Logger.Debug("inline image skipped",
				observability.Int("bytes", len(tok.Bytes)))
			operands = operands[:0]
		default:
			obj, err := collectOperand(s, tok)
			if err != nil {
				if recErr := in.recover(err, "contentstream"); recErr != nil {
					return recErr
				}
				continue
			}
			if len(operands) < 64 {
				operands = append(operands, obj)
			}
		}
	}
}

// collectOperand converts a token to an object, consuming nested array and
// dictionary structure from the scanner.
func collectOperand(s scanner.Scanner, tok scanner.Token) (raw.Object, error) {
	switch tok.Type {
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberFloat(tok.Float), nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Str == "hex"}, nil
	case scanner.TokenName:
		return raw.NameLiteral(tok.Str), nil
	case scanner.TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	case scanner.TokenArray:
		arr := raw.NewArray()
		for {
			next, err := s.Next()
			if err != nil {
				return nil, err
			}
			if next.Type == scanner.TokenKeyword && next.Str == "]" {
				return arr, nil
			}
			item, err := collectOperand(s, next)
			if err != nil {
				return nil, err
			}
			arr.Append(item)
		}
	case scanner.TokenDict:
		dict := raw.Dict()
		for {
			keyTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			if keyTok.Type == scanner.TokenKeyword && keyTok.Str == ">>" {
				return dict, nil
			}
			if keyTok.Type != scanner.TokenName {
				return nil, errors.New("expected name key in operand dictionary")
			}
			valTok, err := s.Next()
			if err != nil {
				return nil, err
			}
			val, err := collectOperand(s, valTok)
			if err != nil {
				return nil, err
			}
			dict.Set(raw.NameLiteral(keyTok.Str), val)
		}
	default:
		return nil, fmt.Errorf("unexpected operand token %q", tok.Str)
	}
}

func numVal(obj raw.Object) (float64, bool) {
	n, ok := obj.(raw.NumberObj)
	if !ok {
		return 0, false
	}
	return n.Float(), true
}

// nums pulls the last n numeric operands in order.
func nums(operands []raw.Object, n int) ([]float64, bool) {
	if len(operands) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, ok := numVal(operands[len(operands)-n+i])
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (in *interp) execute(op string, operands []raw.Object, resources *raw.DictObj, depth int) error {
	switch op {
	case "q":
		in.gsStack = append(in.gsStack, in.gs.clone())
	case "Q":
		if len(in.gsStack) == 0 {
			if err := in.recover(errors.New("Q with empty graphics state stack"), "contentstream"); err != nil {
				return err
			}
			return nil
		}
		in.gs = in.gsStack[len(in.gsStack)-1]
		in.gsStack = in.gsStack[:len(in.gsStack)-1]
	case "cm":
		if v, ok := nums(operands, 6); ok {
			in.gs.ctm = coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]}.Multiply(in.gs.ctm)
		}

	// Path construction.
	case "m":
		if v, ok := nums(operands, 2); ok {
			in.closeSubpath(false)
			in.current = []Point{in.devicePoint(v[0], v[1])}
		}
	case "l":
		if v, ok := nums(operands, 2); ok && in.current != nil {
			in.current = append(in.current, in.devicePoint(v[0], v[1]))
		}
	case "c":
		if v, ok := nums(operands, 6); ok && in.current != nil {
			in.current = append(in.current,
				in.devicePoint(v[0], v[1]), in.devicePoint(v[2], v[3]), in.devicePoint(v[4], v[5]))
		}
	case "v", "y":
		if v, ok := nums(operands, 4); ok && in.current != nil {
			in.current = append(in.current,
				in.devicePoint(v[0], v[1]), in.devicePoint(v[2], v[3]))
		}
	case "h":
		in.closeSubpath(true)
	case "re":
		if v, ok := nums(operands, 4); ok {
			in.closeSubpath(false)
			x, y, w, h := v[0], v[1], v[2], v[3]
			in.subpaths = append(in.subpaths, Subpath{
				Points: []Point{
					in.devicePoint(x, y), in.devicePoint(x+w, y),
					in.devicePoint(x+w, y+h), in.devicePoint(x, y+h),
				},
				Closed: true,
			})
		}

	// Path painting.
	case "S":
		in.paintPath(op, true, false, false)
	case "s":
		in.closeSubpath(true)
		in.paintPath(op, true, false, false)
	case "f", "F":
		in.paintPath(op, false, true, false)
	case "f*":
		in.paintPath(op, false, true, true)
	case "B":
		in.paintPath(op, true, true, false)
	case "B*":
		in.paintPath(op, true, true, true)
	case "b":
		in.closeSubpath(true)
		in.paintPath(op, true, true, false)
	case "b*":
		in.closeSubpath(true)
		in.paintPath(op, true, true, true)
	case "n":
		in.clearPath()
	case "W", "W*":
		// Clip path; consumed, not modeled.

	// Color.
	case "g":
		if v, ok := nums(operands, 1); ok {
			in.gs.fillColor = v
		}
	case "G":
		if v, ok := nums(operands, 1); ok {
			in.gs.strokeColor = v
		}
	case "rg":
		if v, ok := nums(operands, 3); ok {
			in.gs.fillColor = v
		}
	case "RG":
		if v, ok := nums(operands, 3); ok {
			in.gs.strokeColor = v
		}
	case "k":
		if v, ok := nums(operands, 4); ok {
			in.gs.fillColor = v
		}
	case "K":
		if v, ok := nums(operands, 4); ok {
			in.gs.strokeColor = v
		}
	case "sc", "scn":
		if v, ok := numericPrefix(operands); ok {
			in.gs.fillColor = v
		}
	case "SC", "SCN":
		if v, ok := numericPrefix(operands); ok {
			in.gs.strokeColor = v
		}
	case "cs", "CS":
		// Color space switch; the next sc/scn supplies components.

	case "w":
		if v, ok := nums(operands, 1); ok {
			in.gs.lineWidth = v[0]
		}
	case "gs":
		in.applyExtGState(operands, resources)
	case "d", "j", "J", "M", "i", "ri":
		// Stroke parameters irrelevant to the element model.

	// Text objects.
	case "BT":
		if in.text != nil {
			if err := in.recover(errors.New("BT inside text object"), "contentstream"); err != nil {
				return err
			}
		}
		in.text = newTextObject()
	case "ET":
		in.flushText(false)
	case "Tc":
		if v, ok := nums(operands, 1); ok {
			in.gs.charSpacing = v[0]
		}
	case "Tw":
		if v, ok := nums(operands, 1); ok {
			in.gs.wordSpacing = v[0]
		}
	case "Tz":
		if v, ok := nums(operands, 1); ok {
			in.gs.horizScale = v[0]
		}
	case "TL":
		if v, ok := nums(operands, 1); ok {
			in.gs.leading = v[0]
		}
	case "Ts":
		if v, ok := nums(operands, 1); ok {
			in.gs.rise = v[0]
		}
	case "Tr":
		if v, ok := nums(operands, 1); ok {
			in.gs.renderMode = int(v[0])
		}
	case "Tf":
		in.setFont(operands, resources)
	case "Td":
		if v, ok := nums(operands, 2); ok && in.text != nil {
			in.text.setTextLine(coords.Translate(v[0], v[1]).Multiply(in.text.tlm))
		}
	case "TD":
		if v, ok := nums(operands, 2); ok && in.text != nil {
			in.gs.leading = -v[1]
			in.text.setTextLine(coords.Translate(v[0], v[1]).Multiply(in.text.tlm))
		}
	case "Tm":
		if v, ok := nums(operands, 6); ok && in.text != nil {
			in.text.setTextLine(coords.Matrix{v[0], v[1], v[2], v[3], v[4], v[5]})
		}
	case "T*":
		in.nextLine()
	case "Tj":
		if s, ok := lastString(operands); ok {
			in.showText(s)
		}
	case "'":
		in.nextLine()
		if s, ok := lastString(operands); ok {
			in.showText(s)
		}
	case "\"":
		if len(operands) >= 3 {
			if aw, ok := numVal(operands[len(operands)-3]); ok {
				in.gs.wordSpacing = aw
			}
			if ac, ok := numVal(operands[len(operands)-2]); ok {
				in.gs.charSpacing = ac
			}
		}
		in.nextLine()
		if s, ok := lastString(operands); ok {
			in.showText(s)
		}
	case "TJ":
		in.showTextArray(operands)

	case "Do":
		return in.doXObject(operands, resources, depth)
	case "sh":
		if len(operands) > 0 {
			if name, ok := operands[len(operands)-1].(raw.NameObj); ok {
				in.elements = append(in.elements, &ImageElement{
					Kind: "shading", Name: name.Val, CTM: in.gs.ctm,
				})
			}
		}
	case "BI", "BDC", "BMC", "EMC", "MP", "DP", "BX", "EX", "d0", "d1":
		// Consumed without effect.
	default:
		in.opts.Logger.Debug("unknown operator skipped", observability.String("op", op))
	}
	return nil
}

func numericPrefix(operands []raw.Object) ([]float64, bool) {
	var out []float64
	for _, o := range operands {
		if v, ok := numVal(o); ok {
			out = append(out, v)
		}
	}
	return out, len(out) > 0
}

func lastString(operands []raw.Object) ([]byte, bool) {
	for i := len(operands) - 1; i >= 0; i-- {
		if s, ok := operands[i].(raw.StringObj); ok {
			return s.Bytes, true
		}
	}
	return nil, false
}

func (in *interp) devicePoint(x, y float64) Point {
	p := in.gs.ctm.Transform(coords.Point{X: x, Y: y})
	return Point{X: p.X, Y: p.Y}
}

func (in *interp) closeSubpath(closed bool) {
	if len(in.current) > 0 {
		in.subpaths = append(in.subpaths, Subpath{Points: in.current, Closed: closed})
	}
	in.current = nil
}

func (in *interp) clearPath() {
	in.current = nil
	in.subpaths = nil
}

func (in *interp) paintPath(op string, stroke, fill, evenOdd bool) {
	in.closeSubpath(false)
	if len(in.subpaths) == 0 {
		return
	}
	in.elements = append(in.elements, &PathElement{
		Subpaths:    in.subpaths,
		Stroke:      stroke,
		Fill:        fill,
		EvenOdd:     evenOdd,
		Op:          op,
		StrokeColor: append([]float64(nil), in.gs.strokeColor...),
		FillColor:   append([]float64(nil), in.gs.fillColor...),
		LineWidth:   in.gs.lineWidth,
	})
	in.subpaths = nil
}

func (in *interp) nextLine() {
	if in.text == nil {
		return
	}
	in.text.setTextLine(coords.Translate(0, -in.gs.leading).Multiply(in.text.tlm))
}

// flushText closes the open text object. atEOF covers streams whose final
// ET is missing; accumulated runs are still emitted.
func (in *interp) flushText(atEOF bool) {
	if in.text == nil {
		return
	}
	if atEOF {
		in.opts.Logger.Warn("content stream ended inside a text object")
	}
	if len(in.text.runs) > 0 {
		in.elements = append(in.elements, &TextElement{Runs: in.text.runs})
	}
	in.text = nil
}

func (in *interp) setFont(operands []raw.Object, resources *raw.DictObj) {
	if len(operands) < 2 {
		return
	}
	name, ok := operands[len(operands)-2].(raw.NameObj)
	if !ok {
		return
	}
	size, ok := numVal(operands[len(operands)-1])
	if !ok {
		return
	}
	in.gs.fontName = name.Val
	in.gs.fontSize = size
	in.curFont = in.loadFont(name.Val, resources)
}

func (in *interp) loadFont(name string, resources *raw.DictObj) *fonts.Font {
	key := fmt.Sprintf("%p/%s", resources, name)
	if f, ok := in.fonts[key]; ok {
		return f
	}
	var loaded *fonts.Font
	defer func() { in.fonts[key] = loaded }()
	if in.opts.Resolver == nil || resources == nil {
		return nil
	}
	fontsObj, ok := raw.DictGet(resources, "Font")
	if !ok {
		return nil
	}
	resolved, err := in.opts.Resolver.Resolve(in.ctx, fontsObj)
	if err != nil {
		return nil
	}
	fontsDict, isDict := resolved.(*raw.DictObj)
	if !isDict {
		return nil
	}
	entry, ok := raw.DictGet(fontsDict, name)
	if !ok {
		return nil
	}
	entryObj, err := in.opts.Resolver.Resolve(in.ctx, entry)
	if err != nil {
		return nil
	}
	fontDict, isDict := entryObj.(*raw.DictObj)
	if !isDict {
		return nil
	}
	f, err := fonts.Load(in.ctx, in.opts.Resolver, fontDict, fonts.Options{
		MaxCMapRangeSize: in.opts.MaxCMapRangeSize,
		Recovery:         in.opts.Recovery,
		Logger:           in.opts.Logger,
	})
	if err != nil {
		in.opts.Logger.Warn("font load failed",
			observability.String("font", name), observability.Error("cause", err))
		return nil
	}
	loaded = f
	return f
}

// textRenderMatrix composes the text parameters, text matrix and CTM.
func (in *interp) textRenderMatrix() coords.Matrix {
	param := coords.Matrix{
		in.gs.fontSize * in.gs.horizScale / 100, 0,
		0, in.gs.fontSize,
		0, in.gs.rise,
	}
	return param.Multiply(in.text.tm).Multiply(in.gs.ctm)
}

// showText emits one run for a shown string and advances the text matrix
// by the string's displacement.
func (in *interp) showText(data []byte) {
	if in.text == nil {
		in.opts.Logger.Warn("text-showing operator outside BT..ET ignored")
		return
	}
	if len(data) == 0 {
		return
	}
	start := in.textRenderMatrix()
	effective := in.gs.fontSize * in.text.tm.Multiply(in.gs.ctm).ScaleY()

	var text string
	var advance float64
	scale := in.gs.horizScale / 100
	if in.curFont != nil {
		text = in.curFont.Decode(data)
		singleByte := in.curFont.CodeByteLength() == 1
		for _, code := range in.curFont.Codes(data) {
			adv := in.curFont.GlyphWidth(code)/1000*in.gs.fontSize + in.gs.charSpacing
			if singleByte && code == 0x20 {
				adv += in.gs.wordSpacing
			}
			advance += adv * scale
		}
	} else {
		runes := make([]rune, len(data))
		for i, b := range data {
			runes[i] = rune(b)
		}
		text = string(runes)
		for _, b := range data {
			adv := 500.0/1000*in.gs.fontSize + in.gs.charSpacing
			if b == 0x20 {
				adv += in.gs.wordSpacing
			}
			advance += adv * scale
		}
	}

	in.text.tm = coords.Translate(advance, 0).Multiply(in.text.tm)
	end := in.textRenderMatrix()

	in.text.runs = append(in.text.runs, TextRun{
		Text:              text,
		X:                 start[4],
		Y:                 start[5],
		EndX:              end[4],
		FontName:          in.gs.fontName,
		FontSize:          in.gs.fontSize,
		EffectiveFontSize: effective,
		CharSpacing:       in.gs.charSpacing,
		WordSpacing:       in.gs.wordSpacing,
		HorizontalScaling: in.gs.horizScale,
		RenderMode:        in.gs.renderMode,
	})
}

// showTextArray handles TJ: each string element becomes its own run, each
// number adjusts the text position.
func (in *interp) showTextArray(operands []raw.Object) {
	if in.text == nil {
		in.opts.Logger.Warn("text-showing operator outside BT..ET ignored")
		return
	}
	if len(operands) == 0 {
		return
	}
	arr, ok := operands[len(operands)-1].(*raw.ArrayObj)
	if !ok {
		return
	}
	for _, item := range arr.Items {
		switch v := item.(type) {
		case raw.StringObj:
			in.showText(v.Bytes)
		case raw.NumberObj:
			tx := -v.Float() / 1000 * in.gs.fontSize * (in.gs.horizScale / 100)
			in.text.tm = coords.Translate(tx, 0).Multiply(in.text.tm)
		}
	}
}

func (in *interp) applyExtGState(operands []raw.Object, resources *raw.DictObj) {
	if len(operands) == 0 || in.opts.Resolver == nil || resources == nil {
		return
	}
	name, ok := operands[len(operands)-1].(raw.NameObj)
	if !ok {
		return
	}
	egObj, ok := raw.DictGet(resources, "ExtGState")
	if !ok {
		return
	}
	resolved, err := in.opts.Resolver.Resolve(in.ctx, egObj)
	if err != nil {
		return
	}
	egDict, isDict := resolved.(*raw.DictObj)
	if !isDict {
		return
	}
	entry, ok := raw.DictGet(egDict, name.Val)
	if !ok {
		return
	}
	entryObj, err := in.opts.Resolver.Resolve(in.ctx, entry)
	if err != nil {
		return
	}
	if params, isDict := entryObj.(*raw.DictObj); isDict {
		if lw := raw.FloatFromDict(params, "LW", -1); lw >= 0 {
			in.gs.lineWidth = lw
		}
	}
}

func (in *interp) doXObject(operands []raw.Object, resources *raw.DictObj, depth int) error {
	if len(operands) == 0 || in.opts.Resolver == nil || resources == nil {
		return nil
	}
	name, ok := operands[len(operands)-1].(raw.NameObj)
	if !ok {
		return nil
	}
	xobjsObj, ok := raw.DictGet(resources, "XObject")
	if !ok {
		return nil
	}
	resolved, err := in.opts.Resolver.Resolve(in.ctx, xobjsObj)
	if err != nil {
		return err
	}
	xobjs, isDict := resolved.(*raw.DictObj)
	if !isDict {
		return nil
	}
	entry, ok := raw.DictGet(xobjs, name.Val)
	if !ok {
		in.opts.Logger.Warn("XObject not found", observability.String("name", name.Val))
		return nil
	}
	entryObj, err := in.opts.Resolver.Resolve(in.ctx, entry)
	if err != nil {
		return err
	}
	st, isStream := entryObj.(*raw.StreamObj)
	if !isStream {
		return nil
	}
	switch raw.NameFromDict(st.Dict, "Subtype") {
	case "Image":
		in.placeImage(name.Val, st)
	case "Form":
		return in.runForm(st, resources, depth)
	}
	return nil
}

func (in *interp) placeImage(name string, st *raw.StreamObj) {
	el := &ImageElement{
		Kind:   "image",
		Name:   name,
		CTM:    in.gs.ctm,
		Width:  int(raw.IntFromDict(st.Dict, "Width", 0)),
		Height: int(raw.IntFromDict(st.Dict, "Height", 0)),
		Format: "raw",
	}
	names, _ := filters.ExtractFilters(st.Dict)
	encoded := ""
	for _, n := range names {
		switch n {
		case "DCTDecode":
			encoded = "jpeg"
		case "JPXDecode":
			encoded = "jpx"
		}
	}
	if encoded != "" {
		// Compressed image codecs pass through; the host hands the payload
		// to its own decoder.
		el.Format = encoded
		el.Data = append([]byte(nil), st.Data...)
	} else if in.opts.Resolver != nil {
		if data, err := in.opts.Resolver.DecodeStream(in.ctx, st); err == nil {
			el.Data = data
		} else {
			in.opts.Logger.Warn("image decode failed",
				observability.String("name", name), observability.Error("cause", err))
		}
	}
	in.elements = append(in.elements, el)
}

// runForm executes a form XObject in place: the form matrix prepends to
// the CTM, the form's resources shadow the parent's.
func (in *interp) runForm(st *raw.StreamObj, parentRes *raw.DictObj, depth int) error {
	if depth+1 > in.opts.MaxFormDepth {
		return in.recover(errors.New("form XObject nesting too deep"), "contentstream")
	}
	body, err := in.opts.Resolver.DecodeStream(in.ctx, st)
	if err != nil {
		return in.recover(fmt.Errorf("decode form XObject: %w", err), "contentstream")
	}
	formRes := parentRes
	if resObj, ok := raw.DictGet(st.Dict, "Resources"); ok {
		if resolved, err := in.opts.Resolver.Resolve(in.ctx, resObj); err == nil {
			if d, isDict := resolved.(*raw.DictObj); isDict {
				formRes = d
			}
		}
	}
	saved := in.gs.clone()
	savedDepthStack := len(in.gsStack)
	if mObj, ok := raw.DictGet(st.Dict, "Matrix"); ok {
		if arr, isArr := mObj.(*raw.ArrayObj); isArr && arr.Len() == 6 {
			var m coords.Matrix
			valid := true
			for i := 0; i < 6; i++ {
				if n, isNum := arr.Items[i].(raw.NumberObj); isNum {
					m[i] = n.Float()
				} else {
					valid = false
				}
			}
			if valid {
				in.gs.ctm = m.Multiply(in.gs.ctm)
			}
		}
	}
	err = in.run(body, formRes, depth+1)
	in.gs = saved
	if len(in.gsStack) > savedDepthStack {
		in.gsStack = in.gsStack[:savedDepthStack]
	}
	return err
}
