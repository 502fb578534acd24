package parser

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pagecraft/pdfcore/filters"
	"github.com/pagecraft/pdfcore/ir/raw"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/recovery"
	"github.com/pagecraft/pdfcore/security"
	"github.com/pagecraft/pdfcore/xref"
)

type Config struct {
	Limits   security.Limits
	Recovery recovery.Strategy
	Logger   observability.Logger

	// DisableDecryption loads an encrypted file without decrypting
	// anything; strings and streams come back as stored.
	DisableDecryption bool
}

// Resolver ties the cross-reference table, object loader, security handler
// and decode pipeline together behind one lookup surface.
type Resolver struct {
	loader   ObjectLoader
	table    *xref.Table
	handler  security.Handler
	pipeline *filters.Pipeline
	logger   observability.Logger
}

// NewResolver locates the cross-reference data and prepares object
// loading. For encrypted files the returned resolver reports Encrypted()
// true; callers authenticate before loading objects.
func NewResolver(ctx context.Context, rd io.ReaderAt, cfg Config) (*Resolver, error) {
	if cfg.Limits == (security.Limits{}) {
		cfg.Limits = security.DefaultLimits()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}
	pipeline := filters.Default(filters.Limits{
		MaxDecompressedSize: cfg.Limits.MaxDecompressedSize,
		MaxDecodeTime:       cfg.Limits.MaxDecodeTime,
	})
	table, err := xref.NewResolver(xref.ResolverConfig{
		MaxXRefDepth: cfg.Limits.MaxXRefDepth,
		Recovery:     cfg.Recovery,
		Filters:      pipeline,
		Logger:       cfg.Logger,
	}).Resolve(ctx, rd)
	if err != nil {
		return nil, err
	}

	handler, encryptNum, err := buildSecurity(ctx, rd, table, cfg, pipeline)
	if err != nil {
		return nil, err
	}

	builder := (&ObjectLoaderBuilder{}).
		WithReader(rd).
		WithXRef(table).
		WithSecurity(handler).
		WithLimits(cfg.Limits).
		WithRecovery(cfg.Recovery).
		WithPipeline(pipeline)
	if encryptNum > 0 {
		builder.SkipDecryptObject(encryptNum)
	}
	loader, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		loader:   loader,
		table:    table,
		handler:  handler,
		pipeline: pipeline,
		logger:   cfg.Logger,
	}, nil
}

// buildSecurity constructs the security handler from the trailer's Encrypt
// entry. The Encrypt dictionary is loaded with a pass-through handler: its
// own strings are never encrypted.
func buildSecurity(ctx context.Context, rd io.ReaderAt, table *xref.Table, cfg Config, pipeline *filters.Pipeline) (security.Handler, int, error) {
	trailer := table.Trailer()
	encObj, ok := raw.DictGet(trailer, "Encrypt")
	if !ok || cfg.DisableDecryption {
		return security.NoopHandler(), 0, nil
	}
	encryptNum := 0
	if ref, isRef := encObj.(raw.RefObj); isRef {
		encryptNum = ref.R.Num
		bootstrap, err := (&ObjectLoaderBuilder{}).
			WithReader(rd).
			WithXRef(table).
			WithLimits(cfg.Limits).
			WithRecovery(cfg.Recovery).
			WithPipeline(pipeline).
			Build()
		if err != nil {
			return nil, 0, err
		}
		encObj, err = bootstrap.Load(ctx, ref.R)
		if err != nil {
			return nil, 0, fmt.Errorf("load Encrypt dictionary: %w", err)
		}
	}
	encDict, isDict := encObj.(*raw.DictObj)
	if !isDict {
		return nil, 0, errors.New("Encrypt entry is not a dictionary")
	}
	handler, err := (&security.HandlerBuilder{}).
		WithEncryptDict(encDict).
		WithTrailer(trailer).
		Build()
	if err != nil {
		return nil, 0, err
	}
	return handler, encryptNum, nil
}

// Encrypted reports whether the file carries encryption that the resolver
// will apply.
func (r *Resolver) Encrypted() bool { return r.handler.IsEncrypted() }

// Authenticate verifies a password (the empty string covers the common
// owner-restriction case) and unlocks decryption.
func (r *Resolver) Authenticate(password string) error {
	return r.handler.Authenticate(password)
}

func (r *Resolver) Permissions() security.Permissions { return r.handler.Permissions() }

func (r *Resolver) Trailer() *raw.DictObj { return r.table.Trailer() }

func (r *Resolver) XRef() *xref.Table { return r.table }

// Get loads the object with the given number and generation.
func (r *Resolver) Get(ctx context.Context, num, gen int) (raw.Object, error) {
	return r.loader.Load(ctx, raw.ObjectRef{Num: num, Gen: gen})
}

// Resolve follows obj through at most one level of indirection. A dangling
// reference resolves to null rather than an error, matching how viewers
// treat them.
func (r *Resolver) Resolve(ctx context.Context, obj raw.Object) (raw.Object, error) {
	ref, ok := obj.(raw.RefObj)
	if !ok {
		return obj, nil
	}
	loaded, err := r.loader.Load(ctx, ref.R)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			r.logger.Warn("dangling reference treated as null",
				observability.Int("object", ref.R.Num))
			return raw.NullObj{}, nil
		}
		return nil, err
	}
	return loaded, nil
}

// ResolveDict resolves obj and returns it as a dictionary; stream
// dictionaries qualify.
func (r *Resolver) ResolveDict(ctx context.Context, obj raw.Object) (*raw.DictObj, error) {
	resolved, err := r.Resolve(ctx, obj)
	if err != nil {
		return nil, err
	}
	switch v := resolved.(type) {
	case *raw.DictObj:
		return v, nil
	case *raw.StreamObj:
		return v.Dict, nil
	default:
		return nil, fmt.Errorf("expected dictionary, got %s", resolved.Type())
	}
}

// DecodeStream runs a stream's payload through its declared filter chain.
func (r *Resolver) DecodeStream(ctx context.Context, st *raw.StreamObj) ([]byte, error) {
	return r.pipeline.DecodeStream(ctx, st)
}
