package metadata

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeTextString decodes a text string: UTF-16BE behind a BOM, UTF-8
// behind the PDF 2.0 BOM, otherwise PDFDocEncoding.
func DecodeTextString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		if out, err := dec.Bytes(b); err == nil {
			return string(out)
		}
	}
	if bytes.HasPrefix(b, utf8BOM) {
		return string(b[len(utf8BOM):])
	}
	return decodePDFDoc(b)
}

// pdfDocDifferences maps the code points where PDFDocEncoding departs from
// Latin-1: typographic punctuation and ligatures in 0x18-0x1F and
// 0x80-0x9E.
var pdfDocDifferences = map[byte]rune{
	0x18: '˘', 0x19: 'ˇ', 0x1A: 'ˆ', 0x1B: '˙',
	0x1C: '˝', 0x1D: '˛', 0x1E: '˚', 0x1F: '˜',
	0x80: '•', 0x81: '†', 0x82: '‡', 0x83: '…',
	0x84: '—', 0x85: '–', 0x86: 'ƒ', 0x87: '⁄',
	0x88: '‹', 0x89: '›', 0x8A: '−', 0x8B: '‰',
	0x8C: '„', 0x8D: '“', 0x8E: '”', 0x8F: '‘',
	0x90: '’', 0x91: '‚', 0x92: '™', 0x93: 'ﬁ',
	0x94: 'ﬂ', 0x95: 'Ł', 0x96: 'Œ', 0x97: 'Š',
	0x98: 'Ÿ', 0x99: 'Ž', 0x9A: 'ı', 0x9B: 'ł',
	0x9C: 'œ', 0x9D: 'š', 0x9E: 'ž',
}

func decodePDFDoc(b []byte) string {
	runes := make([]rune, 0, len(b))
	for _, c := range b {
		if r, ok := pdfDocDifferences[c]; ok {
			runes = append(runes, r)
			continue
		}
		runes = append(runes, rune(c))
	}
	return string(runes)
}
