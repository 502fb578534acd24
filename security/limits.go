package security

import "time"

// Limits bounds resource use while parsing untrusted files: decompression
// bombs, deep reference chains, runaway scans.
type Limits struct {
	// Maximum decompressed stream size. Default: 100 MB.
	MaxDecompressedSize int64

	// Maximum indirect reference resolution depth. Default: 100.
	MaxIndirectDepth int

	// Maximum xref chain depth (Prev entries). Default: 50.
	MaxXRefDepth int

	// Maximum form XObject nesting depth. Default: 20.
	MaxFormDepth int

	// Maximum page tree depth. Default: 100.
	MaxPageTreeDepth int

	// Maximum string length in bytes. Default: 10 MB.
	MaxStringLength int64

	// Maximum raw stream length in bytes. Default: 50 MB.
	MaxStreamLength int64

	// Maximum array nesting depth. Default: 512.
	MaxArrayDepth int

	// Maximum dictionary nesting depth. Default: 512.
	MaxDictDepth int

	// Maximum decode time per stream. Default: 30s.
	MaxDecodeTime time.Duration
}

// DefaultLimits returns limits safe for untrusted input.
func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 100 * 1024 * 1024,
		MaxIndirectDepth:    100,
		MaxXRefDepth:        50,
		MaxFormDepth:        20,
		MaxPageTreeDepth:    100,
		MaxStringLength:     10 * 1024 * 1024,
		MaxStreamLength:     50 * 1024 * 1024,
		MaxArrayDepth:       512,
		MaxDictDepth:        512,
		MaxDecodeTime:       30 * time.Second,
	}
}
