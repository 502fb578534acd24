package xref

import (
	"context"
	"regexp"

	"github.com/pagecraft/pdfcore/ir/raw"
)

var objHeaderRE = regexp.MustCompile(`(\d+)\s+(\d+)\s+obj\b`)

// repair rebuilds the table by scanning the whole file for object headers.
// When the same object number appears more than once the later definition
// wins, matching how incremental updates layer on top of the original body.
func repair(ctx context.Context, data []byte) (*Table, error) {
	table := newTable()
	matches := objHeaderRE.FindAllSubmatchIndex(data, -1)
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := m[0]
		if start > 0 && !isBoundary(data[start-1]) {
			continue
		}
		num := atoiBytes(data[m[2]:m[3]])
		gen := atoiBytes(data[m[4]:m[5]])
		table.entries[num] = entry{offset: int64(start), gen: gen}
	}
	if len(table.entries) == 0 {
		return nil, ErrNoXRef
	}
	table.trailer = rebuildTrailer(data, table)
	if table.trailer == nil {
		return nil, ErrNoXRef
	}
	return table, nil
}

// rebuildTrailer recovers a trailer dictionary: the last parseable dict
// after a trailer keyword, falling back to scanning the recovered objects
// for the document catalog and any xref stream dictionaries.
func rebuildTrailer(data []byte, table *Table) *raw.DictObj {
	trailer := raw.Dict()
	for _, idx := range keywordOffsets(data, "trailer") {
		d, err := parseDictAfterKeyword(data[idx+len("trailer"):])
		if err != nil {
			continue
		}
		for k, v := range d.KV {
			if k == "Prev" || k == "XRefStm" {
				continue
			}
			trailer.Set(raw.NameLiteral(k), v)
		}
	}
	if _, ok := trailer.Get(raw.NameLiteral("Root")); ok {
		return trailer
	}
	for _, objNum := range table.Objects() {
		e := table.entries[objNum]
		num, gen, obj, err := parseIndirectAt(data, e.offset)
		if err != nil || num != objNum {
			continue
		}
		var dict *raw.DictObj
		switch v := obj.(type) {
		case *raw.DictObj:
			dict = v
		case *raw.StreamObj:
			dict = v.Dict
		default:
			continue
		}
		switch raw.NameFromDict(dict, "Type") {
		case "Catalog":
			trailer.Set(raw.NameLiteral("Root"), raw.Ref(num, gen))
		case "XRef":
			for k, v := range dict.KV {
				if k == "Prev" || k == "XRefStm" || k == "Type" {
					continue
				}
				if _, present := trailer.KV[k]; !present {
					trailer.Set(raw.NameLiteral(k), v)
				}
			}
		}
	}
	if _, ok := trailer.Get(raw.NameLiteral("Root")); !ok {
		return nil
	}
	return trailer
}

func keywordOffsets(data []byte, kw string) []int {
	var out []int
	for i := 0; i+len(kw) <= len(data); i++ {
		if data[i] != kw[0] {
			continue
		}
		if string(data[i:i+len(kw)]) == kw {
			out = append(out, i)
			i += len(kw) - 1
		}
	}
	return out
}

func isBoundary(c byte) bool {
	switch c {
	case 0x00, 0x09, 0x0A, 0x0C, 0x0D, 0x20, '>', ']', ')':
		return true
	default:
		return false
	}
}

func atoiBytes(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}
