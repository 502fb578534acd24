package filters

import (
	"errors"

	"github.com/pagecraft/pdfcore/ir/raw"
)

// applyPredictor undoes the PNG/TIFF predictor declared in DecodeParms.
// Cross-reference streams almost always use PNG Up (predictor 12).
func applyPredictor(data []byte, params *raw.DictObj) ([]byte, error) {
	predictor := int(raw.IntFromDict(params, "Predictor", 1))
	if predictor <= 1 {
		return data, nil
	}
	colors := int(raw.IntFromDict(params, "Colors", 1))
	bpc := int(raw.IntFromDict(params, "BitsPerComponent", 8))
	columns := int(raw.IntFromDict(params, "Columns", 1))
	if colors < 1 || bpc < 1 || columns < 1 {
		return nil, errors.New("invalid predictor parameters")
	}
	bpp := (colors*bpc + 7) / 8
	rowLen := (colors*bpc*columns + 7) / 8

	if predictor == 2 {
		return applyTIFFPredictor(data, colors, bpc, rowLen)
	}
	if predictor < 10 {
		return nil, errors.New("unsupported predictor")
	}
	return applyPNGPredictor(data, bpp, rowLen)
}

func applyTIFFPredictor(data []byte, colors, bpc, rowLen int) ([]byte, error) {
	if bpc != 8 {
		// Sub-byte TIFF prediction is vanishingly rare; reject rather
		// than produce silently wrong samples.
		return nil, errors.New("tiff predictor requires 8 bits per component")
	}
	out := append([]byte(nil), data...)
	for row := 0; row+rowLen <= len(out); row += rowLen {
		for i := colors; i < rowLen; i++ {
			out[row+i] += out[row+i-colors]
		}
	}
	return out, nil
}

func applyPNGPredictor(data []byte, bpp, rowLen int) ([]byte, error) {
	if rowLen+1 <= 0 || len(data)%(rowLen+1) != 0 {
		return nil, errors.New("predictor data not a whole number of rows")
	}
	rows := len(data) / (rowLen + 1)
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	for r := 0; r < rows; r++ {
		tag := data[r*(rowLen+1)]
		copy(cur, data[r*(rowLen+1)+1:(r+1)*(rowLen+1)])
		switch tag {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < rowLen; i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := 0; i < rowLen; i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < rowLen; i++ {
				var left byte
				if i >= bpp {
					left = cur[i-bpp]
				}
				cur[i] += byte((int(left) + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < rowLen; i++ {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, errors.New("invalid png predictor row tag")
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
