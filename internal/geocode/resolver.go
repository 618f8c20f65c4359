package geocode

import (
	"context"

	"go.uber.org/zap"

	"github.com/ppiankov/foodmap/internal/model"
)

// Query is one address to resolve
type Query struct {
	Address string // As it appears in the record
	Key     string // Normalize(Address)
}

// NewQuery builds a query for a raw address
func NewQuery(address string) Query {
	return Query{Address: address, Key: Normalize(address)}
}

// Result is a resolved position and its provenance
type Result struct {
	Coordinates model.Coordinates
	Source      model.Source
	MatchedName string   // Address the resolver matched, if it reports one
	Score       *float64 // Resolver score or importance, if it reports one
}

// Resolver resolves a single query. A miss is (nil, nil); an error means the
// resolver could not answer and the next one should be tried.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, q Query) (*Result, error)
}

// Preparer is implemented by resolvers that work in batches. Prepare is
// called once with every query before any Resolve call.
type Preparer interface {
	Prepare(ctx context.Context, queries []Query) error
}

// Chain tries resolvers in order until one returns a result
type Chain struct {
	resolvers []Resolver
}

// NewChain creates a chain; nil resolvers are skipped
func NewChain(resolvers ...Resolver) *Chain {
	c := &Chain{}
	for _, r := range resolvers {
		if r != nil {
			c.resolvers = append(c.resolvers, r)
		}
	}
	return c
}

// Names lists the resolvers in order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.resolvers))
	for _, r := range c.resolvers {
		names = append(names, r.Name())
	}
	return names
}

// Prepare hands the non-empty queries to every batch resolver. Queries an
// earlier resolver already answers without I/O (the reference index, or a
// batch resolver that has prepared) are not sent. A failed batch resolver is
// logged; its queries fall through to per-record resolution.
func (c *Chain) Prepare(ctx context.Context, queries []Query) error {
	pending := make([]Query, 0, len(queries))
	for _, q := range queries {
		if q.Address != "" {
			pending = append(pending, q)
		}
	}

	lastBatch := -1
	for i, r := range c.resolvers {
		if _, ok := r.(Preparer); ok {
			lastBatch = i
		}
	}

	for i := 0; i <= lastBatch && len(pending) > 0; i++ {
		r := c.resolvers[i]
		p, isBatch := r.(Preparer)
		if isBatch {
			if err := p.Prepare(ctx, pending); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				zap.L().Warn("batch geocoding failed",
					zap.String("resolver", r.Name()),
					zap.Error(err),
				)
			}
		}
		if i == lastBatch {
			break
		}
		if _, local := r.(*ReferenceResolver); !local && !isBatch {
			continue
		}

		var err error
		if pending, err = unanswered(ctx, r, pending); err != nil {
			return err
		}
	}
	return nil
}

// unanswered returns the queries r has no result for
func unanswered(ctx context.Context, r Resolver, queries []Query) ([]Query, error) {
	remaining := make([]Query, 0, len(queries))
	for _, q := range queries {
		result, err := r.Resolve(ctx, q)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		if result == nil {
			remaining = append(remaining, q)
		}
	}
	return remaining, nil
}

// Resolve returns the first resolver's result, or nil when every resolver
// misses. Only context cancellation is returned as an error.
func (c *Chain) Resolve(ctx context.Context, q Query) (*Result, error) {
	if q.Address == "" {
		return nil, nil
	}

	for _, r := range c.resolvers {
		result, err := r.Resolve(ctx, q)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			zap.L().Warn("geocoder failed",
				zap.String("resolver", r.Name()),
				zap.String("address", q.Address),
				zap.Error(err),
			)
			continue
		}
		if result != nil {
			return result, nil
		}
	}

	return nil, nil
}

// ReferenceResolver answers from the municipal reference index without any I/O
type ReferenceResolver struct {
	index *Index
}

// NewReferenceResolver wraps a loaded index
func NewReferenceResolver(index *Index) *ReferenceResolver {
	return &ReferenceResolver{index: index}
}

func (r *ReferenceResolver) Name() string { return "reference" }

// Resolve looks the normalized key up in the index
func (r *ReferenceResolver) Resolve(_ context.Context, q Query) (*Result, error) {
	entry, ok := r.index.Lookup(q.Key)
	if !ok {
		return nil, nil
	}
	return &Result{
		Coordinates: entry.Coordinates,
		Source:      model.SourceMunicipal,
		MatchedName: entry.Address,
	}, nil
}
