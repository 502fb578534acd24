// Package cmap parses ToUnicode CMaps: codespace ranges, bfchar and
// bfrange sections mapping character codes to Unicode strings.
package cmap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/recovery"
	"github.com/pagecraft/pdfcore/scanner"
)

// DefaultMaxRangeSize caps how many codes a single bfrange may expand to.
// Hostile files declare ranges like <0000> <FFFF> to force huge tables.
const DefaultMaxRangeSize = 256

type Options struct {
	// MaxRangeSize overrides DefaultMaxRangeSize when positive.
	MaxRangeSize int
	Recovery     recovery.Strategy
	Logger       observability.Logger
}

// Map holds the decoded code-to-text mapping. Codes are byte strings of
// one or more bytes; lookup tries the longest registered code length
// first.
type Map struct {
	entries  map[string]string
	codeLens []int
}

func (m *Map) Len() int { return len(m.entries) }

// Lookup returns the text for an exact code.
func (m *Map) Lookup(code []byte) (string, bool) {
	s, ok := m.entries[string(code)]
	return s, ok
}

// CodeLengths returns the registered code byte lengths, longest first.
func (m *Map) CodeLengths() []int { return m.codeLens }

// Decode maps a raw string's bytes through the table. Unmapped codes
// become U+FFFD.
func (m *Map) Decode(data []byte) string {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		matched := false
		for _, l := range m.codeLens {
			if i+l > len(data) {
				continue
			}
			if s, ok := m.entries[string(data[i:i+l])]; ok {
				out.WriteString(s)
				i += l
				matched = true
				break
			}
		}
		if !matched {
			out.WriteRune(utf8.RuneError)
			i++
		}
	}
	return out.String()
}

// Parse reads a ToUnicode CMap stream body.
func Parse(data []byte, opts Options) (*Map, error) {
	maxRange := opts.MaxRangeSize
	if maxRange <= 0 {
		maxRange = DefaultMaxRangeSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	p := &parser{
		s:        scanner.New(bytes.NewReader(data), scanner.Config{Recovery: opts.Recovery}),
		m:        &Map{entries: make(map[string]string)},
		maxRange: maxRange,
		rec:      opts.Recovery,
		logger:   logger,
		lens:     make(map[int]bool),
	}
	if err := p.run(); err != nil {
		return nil, err
	}
	p.finalize()
	return p.m, nil
}

type parser struct {
	s        scanner.Scanner
	m        *Map
	maxRange int
	rec      recovery.Strategy
	logger   observability.Logger
	lens     map[int]bool
}

func (p *parser) run() error {
	for {
		tok, err := p.s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if tok.Type != scanner.TokenKeyword {
			continue
		}
		switch tok.Str {
		case "begincodespacerange":
			err = p.parseCodespace()
		case "beginbfchar":
			err = p.parseBFChar()
		case "beginbfrange":
			err = p.parseBFRange()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if recErr := p.recover(err); recErr != nil {
				return recErr
			}
		}
	}
}

func (p *parser) recover(err error) error {
	if p.rec == nil {
		return err
	}
	action := p.rec.OnError(err, recovery.Location{Component: "cmap"})
	if action == recovery.ActionFail {
		return err
	}
	return nil
}

func (p *parser) parseCodespace() error {
	for {
		lo, end, err := p.stringOrEnd("endcodespacerange")
		if err != nil || end {
			return err
		}
		hi, end, err := p.stringOrEnd("endcodespacerange")
		if err != nil {
			return err
		}
		if end {
			return errors.New("codespace range missing upper bound")
		}
		if len(lo) != len(hi) {
			return errors.New("codespace bounds differ in length")
		}
		p.lens[len(lo)] = true
	}
}

func (p *parser) parseBFChar() error {
	for {
		src, end, err := p.stringOrEnd("endbfchar")
		if err != nil || end {
			return err
		}
		dstTok, err := p.s.Next()
		if err != nil {
			return err
		}
		if dstTok.Type != scanner.TokenString {
			return errors.New("bfchar destination must be a string")
		}
		p.put(src, decodeDst(dstTok.Bytes))
	}
}

func (p *parser) parseBFRange() error {
	for {
		lo, end, err := p.stringOrEnd("endbfrange")
		if err != nil || end {
			return err
		}
		hi, end, err := p.stringOrEnd("endbfrange")
		if err != nil {
			return err
		}
		if end {
			return errors.New("bfrange missing upper bound")
		}
		if len(lo) != len(hi) {
			return errors.New("bfrange bounds differ in length")
		}
		dstTok, err := p.s.Next()
		if err != nil {
			return err
		}
		switch dstTok.Type {
		case scanner.TokenString:
			if err := p.expandRange(lo, hi, dstTok.Bytes); err != nil {
				return err
			}
		case scanner.TokenArray:
			if err := p.expandRangeArray(lo, hi); err != nil {
				return err
			}
		default:
			return errors.New("bfrange destination must be a string or array")
		}
	}
}

// expandRange maps lo..hi to consecutive values starting at dst. Ranges
// beyond the cap are truncated with a single warning; the mapped prefix
// stays usable.
func (p *parser) expandRange(lo, hi, dst []byte) error {
	loVal := beUint(lo)
	hiVal := beUint(hi)
	if hiVal < loVal {
		return errors.New("bfrange upper bound below lower bound")
	}
	count := hiVal - loVal + 1
	if count > uint64(p.maxRange) {
		err := fmt.Errorf("bfrange of %d codes truncated to %d", count, p.maxRange)
		if recErr := p.recover(err); recErr != nil {
			return recErr
		}
		p.logger.Warn("oversized bfrange truncated",
			observability.Int64("codes", int64(count)),
			observability.Int("cap", p.maxRange))
		count = uint64(p.maxRange)
	}
	for i := uint64(0); i < count; i++ {
		src := beBytes(loVal+i, len(lo))
		p.put(src, decodeDst(incrementDst(dst, i)))
	}
	return nil
}

func (p *parser) expandRangeArray(lo, hi []byte) error {
	loVal := beUint(lo)
	hiVal := beUint(hi)
	if hiVal < loVal {
		return errors.New("bfrange upper bound below lower bound")
	}
	count := hiVal - loVal + 1
	if count > uint64(p.maxRange) {
		err := fmt.Errorf("bfrange of %d codes truncated to %d", count, p.maxRange)
		if recErr := p.recover(err); recErr != nil {
			return recErr
		}
		p.logger.Warn("oversized bfrange truncated",
			observability.Int64("codes", int64(count)),
			observability.Int("cap", p.maxRange))
		count = uint64(p.maxRange)
	}
	consumed := uint64(0)
	for {
		tok, err := p.s.Next()
		if err != nil {
			return err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			break
		}
		if tok.Type != scanner.TokenString {
			return errors.New("bfrange array element must be a string")
		}
		if consumed < count {
			src := beBytes(loVal+consumed, len(lo))
			p.put(src, decodeDst(tok.Bytes))
		}
		consumed++
	}
	return nil
}

func (p *parser) put(src []byte, text string) {
	p.m.entries[string(src)] = text
	p.lens[len(src)] = true
}

// stringOrEnd reads the next meaningful token: a source string, or the
// section-ending keyword.
func (p *parser) stringOrEnd(endKeyword string) ([]byte, bool, error) {
	for {
		tok, err := p.s.Next()
		if err != nil {
			return nil, false, err
		}
		switch tok.Type {
		case scanner.TokenString:
			return tok.Bytes, false, nil
		case scanner.TokenKeyword:
			if tok.Str == endKeyword {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("unexpected keyword %s", tok.Str)
		}
	}
}

func (p *parser) finalize() {
	for l := range p.lens {
		if l > 0 {
			p.m.codeLens = append(p.m.codeLens, l)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(p.m.codeLens)))
}

// decodeDst converts destination bytes to text: even lengths are UTF-16BE
// code units, anything else is treated as Latin-1.
func decodeDst(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b)%2 == 0 {
		units := make([]uint16, len(b)/2)
		for i := range units {
			units[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// incrementDst adds n to the destination: the final UTF-16 code unit for
// even-length values, the final byte otherwise.
func incrementDst(dst []byte, n uint64) []byte {
	out := append([]byte(nil), dst...)
	if len(out) >= 2 && len(out)%2 == 0 {
		last := uint16(out[len(out)-2])<<8 | uint16(out[len(out)-1])
		last += uint16(n)
		out[len(out)-2] = byte(last >> 8)
		out[len(out)-1] = byte(last)
		return out
	}
	if len(out) > 0 {
		out[len(out)-1] += byte(n)
	}
	return out
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beBytes(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
