// Package document opens a PDF and exposes its page list, geometry and
// metadata on top of the parser's object resolver.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/metadata"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/parser"
	"github.com/pagecraft/pdfcore/recovery"
	"github.com/pagecraft/pdfcore/security"
)

// ErrEncrypted is returned when the file carries an /Encrypt dictionary and
// the load policy is EncryptionReject.
var ErrEncrypted = errors.New("document is encrypted")

const (
	// EncryptionReject fails the load as soon as /Encrypt is present.
	EncryptionReject = "reject"
	// EncryptionIgnore loads without touching ciphertext; strings and
	// streams come back as stored.
	EncryptionIgnore = "ignore"
	// EncryptionPassword authenticates with the supplied password. The
	// default; the empty password covers owner-restricted files.
	EncryptionPassword = "password"
)

type EncryptionMode struct {
	Mode     string
	Password string
}

type LoadOptions struct {
	Encryption EncryptionMode
	Limits     security.Limits
	Recovery   recovery.Strategy
	Logger     observability.Logger
}

// Document is one opened file. It is safe for concurrent reads; the object
// cache underneath is locked.
type Document struct {
	resolver *parser.Resolver
	catalog  *raw.DictObj
	pages    []*Page
	logger   observability.Logger
	limits   security.Limits
}

// Load opens a document: cross-reference resolution, encryption policy,
// catalog lookup, page tree flattening. It either returns a document with a
// usable page list or a distinguishable error.
func Load(ctx context.Context, data []byte, opts LoadOptions) (*Document, error) {
	start := time.Now()
	if opts.Limits == (security.Limits{}) {
		opts.Limits = security.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger{}
	}
	mode := opts.Encryption.Mode
	if mode == "" {
		mode = EncryptionPassword
	}

	res, err := parser.NewResolver(ctx, bytes.NewReader(data), parser.Config{
		Limits:            opts.Limits,
		Recovery:          opts.Recovery,
		Logger:            opts.Logger,
		DisableDecryption: mode != EncryptionPassword,
	})
	if err != nil {
		return nil, err
	}

	switch mode {
	case EncryptionReject:
		if _, ok := raw.DictGet(res.Trailer(), "Encrypt"); ok {
			return nil, ErrEncrypted
		}
	case EncryptionIgnore:
		// Ciphertext passes through untouched.
	case EncryptionPassword:
		if res.Encrypted() {
			if err := res.Authenticate(opts.Encryption.Password); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown encryption mode %q", mode)
	}

	rootObj, ok := raw.DictGet(res.Trailer(), "Root")
	if !ok {
		return nil, errors.New("trailer has no Root entry")
	}
	catalog, err := res.ResolveDict(ctx, rootObj)
	if err != nil {
		return nil, fmt.Errorf("resolve document catalog: %w", err)
	}

	doc := &Document{
		resolver: res,
		catalog:  catalog,
		logger:   opts.Logger,
		limits:   opts.Limits,
	}
	if err := doc.flattenPages(ctx); err != nil {
		return nil, err
	}
	opts.Logger.Info("document loaded",
		observability.Int(observability.MetricPageCount, len(doc.pages)),
		observability.Int64(observability.MetricParseTime, time.Since(start).Milliseconds()))
	return doc, nil
}

func (d *Document) PageCount() int { return len(d.pages) }

// Pages returns the pages in document order.
func (d *Document) Pages() []*Page { return d.pages }

// Page returns the 1-based page, or nil when out of range.
func (d *Document) Page(number int) *Page {
	if number < 1 || number > len(d.pages) {
		return nil
	}
	return d.pages[number-1]
}

// Metadata merges the Info dictionary with the XMP packet. The second
// return is false when neither source contributed a field.
func (d *Document) Metadata(ctx context.Context) (metadata.Metadata, bool, error) {
	md, err := metadata.Load(ctx, d.resolver, d.resolver.Trailer(), d.catalog)
	if err != nil {
		return metadata.Metadata{}, false, err
	}
	return md, md != (metadata.Metadata{}), nil
}

// Lookup follows obj through one level of indirection.
func (d *Document) Lookup(ctx context.Context, obj raw.Object) (raw.Object, error) {
	return d.resolver.Resolve(ctx, obj)
}

func (d *Document) Permissions() security.Permissions { return d.resolver.Permissions() }

func (d *Document) Catalog() *raw.DictObj { return d.catalog }

// Resolver exposes the underlying object access for collaborators such as
// the content-stream interpreter.
func (d *Document) Resolver() *parser.Resolver { return d.resolver }

// inherited carries the attributes a Pages node passes down to its kids.
type inherited struct {
	resources *raw.DictObj
	boxes     map[string]*raw.ArrayObj
	rotate    *int64
	userUnit  *float64
}

func (in inherited) clone() inherited {
	out := in
	out.boxes = make(map[string]*raw.ArrayObj, len(in.boxes))
	for k, v := range in.boxes {
		out.boxes[k] = v
	}
	return out
}

var inheritableBoxes = []string{"MediaBox", "CropBox", "BleedBox", "TrimBox", "ArtBox"}

func (d *Document) flattenPages(ctx context.Context) error {
	pagesObj, ok := raw.DictGet(d.catalog, "Pages")
	if !ok {
		return errors.New("catalog has no Pages entry")
	}
	root, err := d.resolver.ResolveDict(ctx, pagesObj)
	if err != nil {
		return fmt.Errorf("resolve page tree root: %w", err)
	}
	visited := make(map[raw.ObjectRef]bool)
	if ref, isRef := pagesObj.(raw.RefObj); isRef {
		visited[ref.R] = true
	}
	return d.walkPageTree(ctx, root, inherited{boxes: map[string]*raw.ArrayObj{}}, visited, 0)
}

// walkPageTree recurses into Kids in document order, carrying inherited
// attributes down. Cycles and runaway depth stop the walk.
func (d *Document) walkPageTree(ctx context.Context, node *raw.DictObj, inh inherited, visited map[raw.ObjectRef]bool, depth int) error {
	if depth > d.limits.MaxPageTreeDepth {
		return fmt.Errorf("page tree deeper than %d", d.limits.MaxPageTreeDepth)
	}
	inh = inh.clone()
	if resObj, ok := raw.DictGet(node, "Resources"); ok {
		if res, err := d.resolver.ResolveDict(ctx, resObj); err == nil {
			inh.resources = res
		}
	}
	for _, name := range inheritableBoxes {
		if boxObj, ok := raw.DictGet(node, name); ok {
			if resolved, err := d.resolver.Resolve(ctx, boxObj); err == nil {
				if arr, isArr := resolved.(*raw.ArrayObj); isArr && arr.Len() == 4 {
					inh.boxes[name] = arr
				}
			}
		}
	}
	if rObj, ok := raw.DictGet(node, "Rotate"); ok {
		if resolved, err := d.resolver.Resolve(ctx, rObj); err == nil {
			if n, isNum := resolved.(raw.NumberObj); isNum {
				r := n.Int()
				inh.rotate = &r
			}
		}
	}
	if uObj, ok := raw.DictGet(node, "UserUnit"); ok {
		if resolved, err := d.resolver.Resolve(ctx, uObj); err == nil {
			if n, isNum := resolved.(raw.NumberObj); isNum {
				u := n.Float()
				inh.userUnit = &u
			}
		}
	}

	if raw.NameFromDict(node, "Type") == "Page" {
		d.pages = append(d.pages, newPage(d, len(d.pages)+1, node, inh))
		return nil
	}

	kidsObj, ok := raw.DictGet(node, "Kids")
	if !ok {
		return nil
	}
	kidsResolved, err := d.resolver.Resolve(ctx, kidsObj)
	if err != nil {
		return err
	}
	kids, isArr := kidsResolved.(*raw.ArrayObj)
	if !isArr {
		return errors.New("page tree Kids is not an array")
	}
	for _, kid := range kids.Items {
		if ref, isRef := kid.(raw.RefObj); isRef {
			if visited[ref.R] {
				d.logger.Warn("page tree cycle skipped",
					observability.Int("object", ref.R.Num))
				continue
			}
			visited[ref.R] = true
		}
		kidDict, err := d.resolver.ResolveDict(ctx, kid)
		if err != nil {
			return fmt.Errorf("resolve page tree node: %w", err)
		}
		if err := d.walkPageTree(ctx, kidDict, inh, visited, depth+1); err != nil {
			return err
		}
	}
	return nil
}
