// Package conditional implements spec §4.5: given a resource type and a
// search criterion map, compile to FTS, execute with LIMIT 2, and reduce
// to Zero/One/Many. Grounded on mongoSession.ConditionalPost/
// ConditionalPut's len(existingIds) branch and FindIDs.
package conditional

import (
	"context"

	"github.com/medblocks/fhir-core/search"
)

// Outcome is the three-way result of spec §4.5.
type Outcome struct {
	// Kind is one of ZeroMatch, OneMatch, ManyMatch.
	Kind OutcomeKind
	// ID is populated only when Kind == OneMatch.
	ID string
}

type OutcomeKind int

const (
	ZeroMatch OutcomeKind = iota
	OneMatch
	ManyMatch
)

// Resolver executes the conditional search.
type Resolver struct {
	Searcher *search.Engine
}

// Resolve runs criteria with an enforced LIMIT 2 projection -- the
// invariant of spec §4.5 that "ambiguity check is branch-free after
// counting": the resolver never distinguishes "3 matches" from "2
// matches", both report Many.
func (r *Resolver) Resolve(ctx context.Context, bucket, resourceType string, criteria map[string][]string) (Outcome, error) {
	q := search.Query{
		ResourceType: resourceType,
		Params:       criteria,
		Count:        2,
	}
	ids, err := r.Searcher.FindIDs(ctx, bucket, q)
	if err != nil {
		return Outcome{}, err
	}

	switch len(ids) {
	case 0:
		return Outcome{Kind: ZeroMatch}, nil
	case 1:
		return Outcome{Kind: OneMatch, ID: idFromKey(ids[0])}, nil
	default:
		return Outcome{Kind: ManyMatch}, nil
	}
}

// idFromKey strips the "Type/" prefix off a document key, returning the
// bare resource id.
func idFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
