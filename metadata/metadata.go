// Package metadata extracts document information from the Info dictionary
// and, where entries are missing, from the XMP metadata stream.
package metadata

import (
	"context"

	"github.com/pagecraft/pdfcore/ir/raw"
)

// Resolver is the object access this package needs; *parser.Resolver
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, obj raw.Object) (raw.Object, error)
	DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error)
}

type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
	Producer string
}

// Load reads metadata. Info dictionary entries take precedence; XMP fills
// whatever Info leaves empty.
func Load(ctx context.Context, res Resolver, trailer, catalog *raw.DictObj) (Metadata, error) {
	var md Metadata
	if infoObj, ok := raw.DictGet(trailer, "Info"); ok {
		resolved, err := res.Resolve(ctx, infoObj)
		if err == nil {
			if info, isDict := resolved.(*raw.DictObj); isDict {
				md.Title = infoString(info, "Title")
				md.Author = infoString(info, "Author")
				md.Subject = infoString(info, "Subject")
				md.Keywords = infoString(info, "Keywords")
				md.Creator = infoString(info, "Creator")
				md.Producer = infoString(info, "Producer")
			}
		}
	}
	if md.Title != "" && md.Author != "" && md.Subject != "" {
		return md, nil
	}
	xmp, err := loadXMP(ctx, res, catalog)
	if err != nil {
		// Broken XMP never blocks Info-based metadata.
		return md, nil
	}
	if md.Title == "" {
		md.Title = xmp.title
	}
	if md.Author == "" {
		md.Author = xmp.creator
	}
	if md.Subject == "" {
		md.Subject = xmp.description
	}
	return md, nil
}

func infoString(d *raw.DictObj, key string) string {
	if b, ok := raw.StringFromDict(d, key); ok {
		return DecodeTextString(b)
	}
	return ""
}

func loadXMP(ctx context.Context, res Resolver, catalog *raw.DictObj) (xmpProps, error) {
	mdObj, ok := raw.DictGet(catalog, "Metadata")
	if !ok {
		return xmpProps{}, nil
	}
	resolved, err := res.Resolve(ctx, mdObj)
	if err != nil {
		return xmpProps{}, err
	}
	st, isStream := resolved.(*raw.StreamObj)
	if !isStream {
		return xmpProps{}, nil
	}
	body, err := res.DecodeStream(ctx, st)
	if err != nil {
		return xmpProps{}, err
	}
	return parseXMP(body)
}
