package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pagecraft/pdfcore/filters"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/recovery"
	"github.com/pagecraft/pdfcore/scanner"
	"github.com/pagecraft/pdfcore/security"
	"github.com/pagecraft/pdfcore/xref"
)

type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable *xref.Table
	security  security.Handler
	limits    security.Limits
	recovery  recovery.Strategy
	pipeline  *filters.Pipeline
	// Object numbers whose strings must stay as stored: the Encrypt
	// dictionary itself.
	skipDecrypt map[int]bool
}

func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithXRef(t *xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = t
	return b
}
func (b *ObjectLoaderBuilder) WithSecurity(h security.Handler) *ObjectLoaderBuilder {
	b.security = h
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithRecovery(r recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = r
	return b
}
func (b *ObjectLoaderBuilder) WithPipeline(p *filters.Pipeline) *ObjectLoaderBuilder {
	b.pipeline = p
	return b
}
func (b *ObjectLoaderBuilder) SkipDecryptObject(num int) *ObjectLoaderBuilder {
	if b.skipDecrypt == nil {
		b.skipDecrypt = make(map[int]bool)
	}
	b.skipDecrypt[num] = true
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xref table required")
	}
	sec := b.security
	if sec == nil {
		sec = security.NoopHandler()
	}
	limits := b.limits
	if limits == (security.Limits{}) {
		limits = security.DefaultLimits()
	}
	pipeline := b.pipeline
	if pipeline == nil {
		pipeline = filters.Default(filters.Limits{
			MaxDecompressedSize: limits.MaxDecompressedSize,
			MaxDecodeTime:       limits.MaxDecodeTime,
		})
	}
	return &objectLoader{
		reader:      b.reader,
		xrefTable:   b.xrefTable,
		security:    sec,
		limits:      limits,
		recovery:    b.recovery,
		pipeline:    pipeline,
		skipDecrypt: b.skipDecrypt,
		cache:       make(map[raw.ObjectRef]raw.Object),
	}, nil
}

type objectLoader struct {
	reader      io.ReaderAt
	xrefTable   *xref.Table
	security    security.Handler
	limits      security.Limits
	recovery    recovery.Strategy
	pipeline    *filters.Pipeline
	skipDecrypt map[int]bool

	mu     sync.Mutex
	cache  map[raw.ObjectRef]raw.Object
	objstm map[int]map[int]raw.Object
	// loading guards against reference cycles during a single Load call.
	loading map[raw.ObjectRef]bool
}

func (o *objectLoader) scannerConfig() scanner.Config {
	return scanner.Config{
		Recovery:        o.recovery,
		MaxStringLength: o.limits.MaxStringLength,
		MaxArrayDepth:   o.limits.MaxArrayDepth,
		MaxDictDepth:    o.limits.MaxDictDepth,
		MaxStreamLength: o.limits.MaxStreamLength,
	}
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadLocked(ctx, ref)
}

func (o *objectLoader) loadLocked(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if obj, ok := o.cache[ref]; ok {
		return obj, nil
	}
	if o.loading == nil {
		o.loading = make(map[raw.ObjectRef]bool)
	}
	if o.loading[ref] {
		return nil, fmt.Errorf("reference cycle through object %d", ref.Num)
	}
	o.loading[ref] = true
	defer delete(o.loading, ref)

	obj, err := o.loadOnce(ctx, ref)
	if err != nil {
		return nil, err
	}
	o.cache[ref] = obj
	return obj, nil
}

func (o *objectLoader) loadOnce(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	offset, gen, found := o.xrefTable.Lookup(ref.Num)
	if !found {
		if osNum, idx, ok := o.xrefTable.ObjStream(ref.Num); ok {
			return o.loadFromObjectStream(ctx, ref, osNum, idx)
		}
		return nil, fmt.Errorf("%w: %d %d R", ErrObjectNotFound, ref.Num, ref.Gen)
	}
	return o.loadAtOffset(ctx, ref.Num, offset, gen)
}

func (o *objectLoader) loadAtOffset(ctx context.Context, objNum int, offset int64, gen int) (raw.Object, error) {
	// A fresh scanner per load keeps cursor state out of the shared loader.
	s := scanner.New(o.reader, o.scannerConfig())
	s.SetRecoveryLocation(recovery.Location{ByteOffset: offset, ObjectNum: objNum, ObjectGen: gen, Component: "loader"})
	return o.scanObject(ctx, s, objNum, offset, gen)
}

func (o *objectLoader) scanObject(ctx context.Context, s scanner.Scanner, objNum int, offset int64, gen int) (raw.Object, error) {
	if err := s.SeekTo(offset); err != nil {
		return nil, err
	}
	tr := newTokenReader(s)

	tokNum, err := tr.next()
	if err != nil {
		return nil, err
	}
	tokGen, err := tr.next()
	if err != nil {
		return nil, err
	}
	tokObj, err := tr.next()
	if err != nil {
		return nil, err
	}
	if tokNum.Type != scanner.TokenNumber || !tokNum.IsInt ||
		tokGen.Type != scanner.TokenNumber || !tokGen.IsInt ||
		tokObj.Type != scanner.TokenKeyword || tokObj.Str != "obj" {
		return nil, fmt.Errorf("no object header at offset %d", offset)
	}
	if int(tokNum.Int) != objNum || int(tokGen.Int) != gen {
		err := fmt.Errorf("object header %d %d does not match xref entry %d %d",
			tokNum.Int, tokGen.Int, objNum, gen)
		if o.recovery == nil {
			return nil, err
		}
		action := o.recovery.OnError(err, recovery.Location{
			ByteOffset: offset, ObjectNum: objNum, ObjectGen: gen, Component: "loader",
		})
		if action == recovery.ActionFail {
			return nil, err
		}
	}

	obj, err := parseObject(tr, o.recovery, objNum, gen)
	if err != nil {
		return nil, err
	}
	if dict, ok := obj.(*raw.DictObj); ok {
		hint, err := o.resolveStreamLength(ctx, dict)
		if err != nil {
			return nil, err
		}
		if hint > 0 {
			tr.setStreamLengthHint(hint)
		} else {
			tr.clearStreamLengthHint()
		}
		if streamTok, err := tr.next(); err == nil && streamTok.Type == scanner.TokenStream {
			obj = raw.NewStream(dict, streamTok.Bytes)
		} else if err == nil {
			tr.unread(streamTok)
		}
	}
	endTok, endErr := tr.next()
	if endErr != nil || endTok.Type != scanner.TokenKeyword || endTok.Str != "endobj" {
		err := fmt.Errorf("object %d %d is not terminated by endobj", objNum, gen)
		if o.recovery == nil {
			return nil, err
		}
		action := o.recovery.OnError(err, recovery.Location{
			ByteOffset: offset, ObjectNum: objNum, ObjectGen: gen, Component: "loader",
		})
		if action == recovery.ActionFail {
			return nil, err
		}
	}
	if o.skipDecrypt[objNum] {
		return obj, nil
	}
	return o.decryptObject(raw.ObjectRef{Num: objNum, Gen: gen}, obj)
}

// resolveStreamLength reads /Length, following an indirect reference with a
// temporary scanner so the value is known before the payload is consumed.
func (o *objectLoader) resolveStreamLength(ctx context.Context, dict *raw.DictObj) (int64, error) {
	val, ok := raw.DictGet(dict, "Length")
	if !ok {
		return 0, nil
	}
	switch v := val.(type) {
	case raw.NumberObj:
		return v.Int(), nil
	case raw.RefObj:
		offset, gen, found := o.xrefTable.Lookup(v.R.Num)
		if !found {
			return 0, nil
		}
		tmp := scanner.New(o.reader, o.scannerConfig())
		obj, err := o.scanObject(ctx, tmp, v.R.Num, offset, gen)
		if err != nil {
			return 0, err
		}
		if num, ok := obj.(raw.NumberObj); ok {
			return num.Int(), nil
		}
		return 0, fmt.Errorf("stream length reference %d %d R is not numeric", v.R.Num, v.R.Gen)
	default:
		return 0, nil
	}
}

// loadFromObjectStream extracts a compressed object: decode the containing
// stream, read the N header pairs before First, then parse the member at
// its recorded offset. Members are parsed without decryption; the stream
// container was already decrypted as a whole.
func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, streamNum, idx int) (raw.Object, error) {
	if o.objstm == nil {
		o.objstm = make(map[int]map[int]raw.Object)
	}
	if objs, ok := o.objstm[streamNum]; ok {
		if obj, ok := objs[ref.Num]; ok {
			return obj, nil
		}
		return nil, fmt.Errorf("%w: %d %d R not in object stream %d", ErrObjectNotFound, ref.Num, ref.Gen, streamNum)
	}
	container, err := o.loadLocked(ctx, raw.ObjectRef{Num: streamNum})
	if err != nil {
		return nil, err
	}
	st, ok := container.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object stream %d is not a stream", streamNum)
	}
	if name := raw.NameFromDict(st.Dict, "Type"); name != "" && name != "ObjStm" {
		return nil, fmt.Errorf("object stream %d has type %s", streamNum, name)
	}
	data, err := o.pipeline.DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("decode object stream %d: %w", streamNum, err)
	}
	n := int(raw.IntFromDict(st.Dict, "N", 0))
	first := int(raw.IntFromDict(st.Dict, "First", 0))
	if n <= 0 || first <= 0 || first > len(data) {
		return nil, fmt.Errorf("object stream %d has invalid N/First", streamNum)
	}

	headerScanner := scanner.New(bytes.NewReader(data[:first]), o.scannerConfig())
	pairs := make([]int, 0, 2*n)
	for len(pairs) < 2*n {
		tok, err := headerScanner.Next()
		if err != nil {
			return nil, fmt.Errorf("object stream %d header: %w", streamNum, err)
		}
		if tok.Type == scanner.TokenNumber && tok.IsInt {
			pairs = append(pairs, int(tok.Int))
		}
	}

	objs := make(map[int]raw.Object, n)
	for i := 0; i < n; i++ {
		memberNum := pairs[2*i]
		memberOff := pairs[2*i+1]
		if memberOff < 0 || first+memberOff > len(data) {
			return nil, fmt.Errorf("object stream %d member %d offset out of range", streamNum, memberNum)
		}
		sc := scanner.New(bytes.NewReader(data[first+memberOff:]), o.scannerConfig())
		obj, err := parseObject(newTokenReader(sc), o.recovery, memberNum, 0)
		if err != nil {
			return nil, fmt.Errorf("object stream %d member %d: %w", streamNum, memberNum, err)
		}
		objs[memberNum] = obj
	}
	o.objstm[streamNum] = objs
	if obj, ok := objs[ref.Num]; ok {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %d %d R not in object stream %d", ErrObjectNotFound, ref.Num, ref.Gen, streamNum)
}

// decryptObject walks the object, decrypting every string and stream
// payload in place with the per-object key.
func (o *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if !o.security.IsEncrypted() {
		return obj, nil
	}
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := o.security.Decrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *raw.DictObj:
		for key, item := range v.KV {
			dec, err := o.decryptObject(ref, item)
			if err != nil {
				return nil, err
			}
			v.KV[key] = dec
		}
		return v, nil
	case *raw.StreamObj:
		if v.Dict != nil {
			if _, err := o.decryptObject(ref, v.Dict); err != nil {
				return nil, err
			}
		}
		class := security.DataClassStream
		if raw.NameFromDict(v.Dict, "Type") == "Metadata" {
			class = security.DataClassMetadataStream
		}
		cryptFilter, hasCrypt := cryptFilterForStream(v.Dict)
		if hasCrypt && cryptFilter == "Identity" {
			return v, nil
		}
		dec, err := o.security.DecryptWithFilter(ref.Num, ref.Gen, v.Data, class, cryptFilter)
		if err != nil {
			return nil, err
		}
		v.Data = dec
		if v.Dict != nil {
			v.Dict.Set(raw.NameLiteral("Length"), raw.NumberInt(int64(len(dec))))
		}
		return v, nil
	default:
		return obj, nil
	}
}

// cryptFilterForStream reports the name of an explicit Crypt filter in the
// stream's filter chain, if any.
func cryptFilterForStream(d *raw.DictObj) (string, bool) {
	names, params := filters.ExtractFilters(d)
	for idx, name := range names {
		if name != "Crypt" {
			continue
		}
		var dp *raw.DictObj
		if idx < len(params) {
			dp = params[idx]
		} else if len(params) == 1 {
			dp = params[0]
		}
		if n := raw.NameFromDict(dp, "Name"); n != "" {
			return n, true
		}
		return "", true
	}
	return "", false
}
