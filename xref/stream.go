package xref

import (
	"context"
	"errors"
	"fmt"

	"github.com/pagecraft/pdfcore/ir/raw"
)

// loadStreamSection parses a cross-reference stream object at offset and
// merges its entries into the table. Returns the stream dictionary, which
// doubles as the section trailer.
func (r *Resolver) loadStreamSection(ctx context.Context, data []byte, offset int64, table *Table) (*raw.DictObj, error) {
	_, _, obj, err := parseIndirectAt(data, offset)
	if err != nil {
		return nil, fmt.Errorf("xref stream at %d: %w", offset, err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object at offset %d is not a stream", offset)
	}
	if name := raw.NameFromDict(st.Dict, "Type"); name != "XRef" {
		return nil, fmt.Errorf("stream at offset %d has type %q, want XRef", offset, name)
	}
	decoded, err := r.cfg.Filters.DecodeStream(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}
	widths, err := fieldWidths(st.Dict)
	if err != nil {
		return nil, err
	}
	size := raw.IntFromDict(st.Dict, "Size", 0)
	if size <= 0 {
		return nil, errors.New("xref stream missing Size")
	}
	subsections, err := indexSubsections(st.Dict, size)
	if err != nil {
		return nil, err
	}

	rowLen := widths[0] + widths[1] + widths[2]
	pos := 0
	for _, sub := range subsections {
		for i := 0; i < sub.count; i++ {
			if pos+rowLen > len(decoded) {
				return nil, errors.New("xref stream data truncated")
			}
			row := decoded[pos : pos+rowLen]
			pos += rowLen
			objNum := sub.start + i

			// A zero-width type field defaults to type 1 per the format.
			typ := int64(1)
			if widths[0] > 0 {
				typ = beInt(row[:widths[0]])
			}
			f2 := beInt(row[widths[0] : widths[0]+widths[1]])
			f3 := beInt(row[widths[0]+widths[1]:])
			switch typ {
			case 0: // free
			case 1:
				table.setIfAbsent(objNum, entry{offset: f2, gen: int(f3)})
			case 2:
				table.setIfAbsent(objNum, entry{inStream: true, streamNum: int(f2), streamIdx: int(f3)})
			default:
				// Unknown types are reserved; readers treat them as free.
			}
		}
	}
	return st.Dict, nil
}

func fieldWidths(dict *raw.DictObj) ([3]int, error) {
	var widths [3]int
	wObj, ok := raw.DictGet(dict, "W")
	if !ok {
		return widths, errors.New("xref stream missing W")
	}
	arr, ok := wObj.(*raw.ArrayObj)
	if !ok || len(arr.Items) != 3 {
		return widths, errors.New("xref stream W must be a 3-element array")
	}
	for i, it := range arr.Items {
		n, ok := it.(raw.NumberObj)
		if !ok || !n.IsInteger() || n.Int() < 0 || n.Int() > 8 {
			return widths, errors.New("invalid W field width")
		}
		widths[i] = int(n.Int())
	}
	if widths[1] == 0 {
		return widths, errors.New("W second field must be nonzero")
	}
	return widths, nil
}

type subsection struct {
	start, count int
}

func indexSubsections(dict *raw.DictObj, size int64) ([]subsection, error) {
	idxObj, ok := raw.DictGet(dict, "Index")
	if !ok {
		return []subsection{{start: 0, count: int(size)}}, nil
	}
	arr, isArr := idxObj.(*raw.ArrayObj)
	if !isArr || len(arr.Items)%2 != 0 {
		return nil, errors.New("xref stream Index must hold start/count pairs")
	}
	var subs []subsection
	for i := 0; i < len(arr.Items); i += 2 {
		start, ok1 := arr.Items[i].(raw.NumberObj)
		count, ok2 := arr.Items[i+1].(raw.NumberObj)
		if !ok1 || !ok2 || start.Int() < 0 || count.Int() < 0 {
			return nil, errors.New("invalid Index pair")
		}
		subs = append(subs, subsection{start: int(start.Int()), count: int(count.Int())})
	}
	return subs, nil
}

func beInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
