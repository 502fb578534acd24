package filters

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/image/ccitt"

	"github.com/pagecraft/pdfcore/ir/raw"
)

// ccittFaxDecoder decodes Group 3/4 fax-encoded image data.
type ccittFaxDecoder struct{}

func NewCCITTFaxDecoder() Decoder    { return ccittFaxDecoder{} }
func (ccittFaxDecoder) Name() string { return "CCITTFaxDecode" }

func (ccittFaxDecoder) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	k := raw.IntFromDict(params, "K", 0)
	columns := int(raw.IntFromDict(params, "Columns", 1728))
	rows := int(raw.IntFromDict(params, "Rows", 0))
	blackIs1 := false
	if v, ok := raw.DictGet(params, "BlackIs1"); ok {
		if b, ok := v.(raw.BoolObj); ok {
			blackIs1 = b.V
		}
	}
	byteAlign := false
	if v, ok := raw.DictGet(params, "EncodedByteAlign"); ok {
		if b, ok := v.(raw.BoolObj); ok {
			byteAlign = b.V
		}
	}

	sf := ccitt.Group3
	if k < 0 {
		sf = ccitt.Group4
	}
	opts := &ccitt.Options{Invert: !blackIs1, Align: byteAlign}
	r := ccitt.NewReader(bytes.NewReader(in), ccitt.MSB, sf, columns, rows, opts)
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil && out.Len() == 0 {
		return nil, err
	}
	return out.Bytes(), nil
}
