package xref

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/scanner"
)

// tokenReader wraps a scanner with one-token pushback. The xref package
// carries its own minimal object parser so it can read trailer and stream
// dictionaries without depending on the full object loader, which itself
// depends on the resolved table.
type tokenReader struct {
	s   scanner.Scanner
	buf []scanner.Token
}

func (tr *tokenReader) next() (scanner.Token, error) {
	if n := len(tr.buf); n > 0 {
		tok := tr.buf[n-1]
		tr.buf = tr.buf[:n-1]
		return tok, nil
	}
	return tr.s.Next()
}

func (tr *tokenReader) unread(tok scanner.Token) { tr.buf = append(tr.buf, tok) }

func parseValue(tr *tokenReader) (raw.Object, error) {
	tok, err := tr.next()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case scanner.TokenDict:
		return parseDictBody(tr)
	case scanner.TokenArray:
		return parseArrayBody(tr)
	case scanner.TokenName:
		return raw.NameLiteral(tok.Str), nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Str == "hex"}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberFloat(tok.Float), nil
	case scanner.TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	default:
		return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
	}
}

func parseDictBody(tr *tokenReader) (*raw.DictObj, error) {
	dict := raw.Dict()
	for {
		tok, err := tr.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			return dict, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, fmt.Errorf("expected name key, got %q", tok.Str)
		}
		val, err := parseValue(tr)
		if err != nil {
			return nil, err
		}
		dict.Set(raw.NameLiteral(tok.Str), val)
	}
}

func parseArrayBody(tr *tokenReader) (*raw.ArrayObj, error) {
	arr := raw.NewArray()
	for {
		tok, err := tr.next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		tr.unread(tok)
		item, err := parseValue(tr)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

// parseDictAfterKeyword reads the dictionary that follows a trailer keyword.
func parseDictAfterKeyword(data []byte) (*raw.DictObj, error) {
	tr := &tokenReader{s: scanner.New(bytes.NewReader(data), scanner.Config{})}
	obj, err := parseValue(tr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("trailer dictionary missing")
		}
		return nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("trailer is not a dictionary")
	}
	return dict, nil
}

// parseIndirectAt reads the "N G obj <value>" sequence at offset, returning
// the header numbers and the value. If the value is a dictionary followed by
// a stream keyword, the payload is attached using the direct /Length entry;
// cross-reference streams are required to keep /Length direct.
func parseIndirectAt(data []byte, offset int64) (num, gen int, obj raw.Object, err error) {
	sc := scanner.New(bytes.NewReader(data), scanner.Config{})
	if err := sc.SeekTo(offset); err != nil {
		return 0, 0, nil, err
	}
	tr := &tokenReader{s: sc}
	numTok, err := tr.next()
	if err != nil {
		return 0, 0, nil, err
	}
	genTok, err := tr.next()
	if err != nil {
		return 0, 0, nil, err
	}
	objTok, err := tr.next()
	if err != nil {
		return 0, 0, nil, err
	}
	if numTok.Type != scanner.TokenNumber || !numTok.IsInt ||
		genTok.Type != scanner.TokenNumber || !genTok.IsInt ||
		objTok.Type != scanner.TokenKeyword || objTok.Str != "obj" {
		return 0, 0, nil, fmt.Errorf("no object header at offset %d", offset)
	}
	val, err := parseValue(tr)
	if err != nil {
		return 0, 0, nil, err
	}
	dict, isDict := val.(*raw.DictObj)
	if !isDict {
		return int(numTok.Int), int(genTok.Int), val, nil
	}
	sc.SetNextStreamLength(raw.IntFromDict(dict, "Length", -1))
	tok, err := tr.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return int(numTok.Int), int(genTok.Int), dict, nil
		}
		return 0, 0, nil, err
	}
	if tok.Type == scanner.TokenStream {
		return int(numTok.Int), int(genTok.Int), raw.NewStream(dict, tok.Bytes), nil
	}
	tr.unread(tok)
	return int(numTok.Int), int(genTok.Int), dict, nil
}
