// Package xref locates and parses cross-reference information: classic
// tables, cross-reference streams, and the /Prev chains that tie
// incremental updates together.
package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pagecraft/pdfcore/filters"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/recovery"
)

// ErrNoXRef reports that no usable cross-reference data was found, even
// after the repair scan.
var ErrNoXRef = errors.New("no usable cross-reference data")

type entry struct {
	offset    int64
	gen       int
	inStream  bool
	streamNum int
	streamIdx int
}

// Table maps object numbers to their location: a byte offset for direct
// objects, or a (containing stream, index) pair for compressed ones.
type Table struct {
	entries map[int]entry
	trailer *raw.DictObj
}

func newTable() *Table { return &Table{entries: make(map[int]entry)} }

// Lookup returns the byte offset and generation for a directly stored
// object.
func (t *Table) Lookup(objNum int) (int64, int, bool) {
	e, ok := t.entries[objNum]
	if !ok || e.inStream {
		return 0, 0, false
	}
	return e.offset, e.gen, true
}

// ObjStream returns the containing object stream and index for a
// compressed object.
func (t *Table) ObjStream(objNum int) (streamNum, idx int, ok bool) {
	e, found := t.entries[objNum]
	if !found || !e.inStream {
		return 0, 0, false
	}
	return e.streamNum, e.streamIdx, true
}

func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (t *Table) Trailer() *raw.DictObj { return t.trailer }

// setIfAbsent records an entry unless a newer section already defined the
// object number. Sections are visited newest-first along the /Prev chain,
// so first writer wins.
func (t *Table) setIfAbsent(num int, e entry) {
	if _, ok := t.entries[num]; !ok {
		t.entries[num] = e
	}
}

// mergeTrailer folds an older section's trailer into the accumulated one
// without overriding keys the newer sections already set.
func (t *Table) mergeTrailer(d *raw.DictObj) {
	if d == nil {
		return
	}
	if t.trailer == nil {
		t.trailer = raw.Dict()
	}
	for k, v := range d.KV {
		if k == "Prev" || k == "XRefStm" {
			continue
		}
		if _, ok := t.trailer.KV[k]; !ok {
			t.trailer.Set(raw.NameLiteral(k), v)
		}
	}
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Filters      *filters.Pipeline
	Logger       observability.Logger
}

type Resolver struct {
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MaxXRefDepth == 0 {
		cfg.MaxXRefDepth = 50
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.Default(filters.Limits{})
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	return &Resolver{cfg: cfg}
}

// Resolve loads the full cross-reference chain. A missing or corrupt table
// is recoverable: the resolver falls back to a whole-file scan for object
// headers before giving up.
func (r *Resolver) Resolve(ctx context.Context, rd io.ReaderAt) (*Table, error) {
	data := readAll(rd)
	table, err := r.resolveChain(ctx, data)
	if err == nil {
		return table, nil
	}
	r.cfg.Logger.Warn("xref resolution failed, rebuilding by scan",
		observability.Error("cause", err))
	table, repErr := repair(ctx, data)
	if repErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoXRef, err)
	}
	return table, nil
}

func (r *Resolver) resolveChain(ctx context.Context, data []byte) (*Table, error) {
	offset, err := findStartXRef(data)
	if err != nil {
		return nil, err
	}
	table := newTable()
	visited := make(map[int64]bool)
	depth := 0
	for offset > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[offset] {
			return nil, fmt.Errorf("cyclic xref chain at offset %d", offset)
		}
		visited[offset] = true
		depth++
		if depth > r.cfg.MaxXRefDepth {
			return nil, errors.New("xref chain too deep")
		}
		if offset >= int64(len(data)) {
			return nil, fmt.Errorf("xref offset out of range: %d", offset)
		}
		sectionDict, err := r.loadSection(ctx, data, offset, table)
		if err != nil {
			return nil, err
		}
		table.mergeTrailer(sectionDict)
		// Hybrid files point at an additional xref stream for the same
		// revision; it is older than the table entries but newer than
		// anything further down the /Prev chain.
		if stm := raw.IntFromDict(sectionDict, "XRefStm", 0); stm > 0 && !visited[stm] {
			visited[stm] = true
			if stmDict, err := r.loadStreamSection(ctx, data, stm, table); err == nil {
				table.mergeTrailer(stmDict)
			}
		}
		offset = raw.IntFromDict(sectionDict, "Prev", 0)
	}
	if table.trailer == nil {
		return nil, errors.New("no trailer found")
	}
	if _, ok := table.trailer.Get(raw.NameLiteral("Root")); !ok {
		return nil, errors.New("trailer missing Root")
	}
	return table, nil
}

// loadSection parses one xref section at offset, returning its trailer (or
// stream) dictionary.
func (r *Resolver) loadSection(ctx context.Context, data []byte, offset int64, table *Table) (*raw.DictObj, error) {
	rest := data[offset:]
	if bytes.HasPrefix(bytes.TrimLeft(rest, " \r\n\t"), []byte("xref")) {
		return parseClassicSection(rest, table)
	}
	return r.loadStreamSection(ctx, data, offset, table)
}

// parseClassicSection reads plain-text subsections: a "start count" header
// followed by count 20-byte entries, then the trailer dictionary.
func parseClassicSection(section []byte, table *Table) (*raw.DictObj, error) {
	trailerIdx := bytes.Index(section, []byte("trailer"))
	if trailerIdx < 0 {
		return nil, errors.New("classic xref section missing trailer")
	}
	body := section[:trailerIdx]
	lines := strings.FieldsFunc(string(body), func(r rune) bool { return r == '\n' || r == '\r' })
	li := 0
	next := func() (string, bool) {
		for li < len(lines) {
			l := strings.TrimSpace(lines[li])
			li++
			if l != "" {
				return l, true
			}
		}
		return "", false
	}
	head, ok := next()
	if !ok || head != "xref" {
		return nil, errors.New("xref keyword not found at offset")
	}
	for {
		line, ok := next()
		if !ok {
			break
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid xref subsection header: %q", line)
		}
		startObj, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("parse xref start: %w", err)
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("parse xref count: %w", err)
		}
		for i := 0; i < count; i++ {
			line, ok := next()
			if !ok {
				return nil, errors.New("unexpected end of xref section")
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, fmt.Errorf("invalid xref entry: %q", line)
			}
			off, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse xref offset: %w", err)
			}
			gen, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("parse xref gen: %w", err)
			}
			if fields[2] != "n" {
				continue // free entry
			}
			table.setIfAbsent(startObj+i, entry{offset: off, gen: gen})
		}
	}
	dict, err := parseDictAfterKeyword(section[trailerIdx+len("trailer"):])
	if err != nil {
		return nil, fmt.Errorf("parse trailer: %w", err)
	}
	return dict, nil
}

// findStartXRef locates the last startxref marker and the offset on the
// following line.
func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	rest := data[idx+len("startxref"):]
	for _, line := range strings.FieldsFunc(string(rest), func(r rune) bool { return r == '\n' || r == '\r' }) {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		val, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse startxref: %w", err)
		}
		if val <= 0 || val >= int64(len(data)) {
			return 0, fmt.Errorf("xref offset out of range: %d", val)
		}
		return val, nil
	}
	return 0, errors.New("startxref offset missing")
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}
