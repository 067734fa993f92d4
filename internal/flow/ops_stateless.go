package flow

import "github.com/reifydb/reifydb/internal/core"

// RowPredicate reports whether a row's bytes satisfy some condition.
// The core never interprets row bytes itself (core.Values' doc comment);
// callers supply predicates/transforms appropriate to their own schema.
type RowPredicate func(core.Values) bool

// RowTransform maps one row image to another, e.g. projecting columns or
// computing a derived value for Extend.
type RowTransform func(core.Values) core.Values

// Filter emits only diffs whose surviving image (Post for insert/update,
// Pre for delete) satisfies Predicate. An update where neither side
// matches is dropped entirely; an update where only the pre-image matched
// becomes a delete, and one where only the post-image matches becomes an
// insert, since from a downstream consumer's perspective that is exactly
// what changed.
type Filter struct {
	Predicate RowPredicate
}

func (f Filter) Apply(_ *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin}
	for _, d := range in.Diffs {
		preOK := d.Pre.Len() > 0 && f.Predicate(d.Pre)
		postOK := d.Post.Len() > 0 && f.Predicate(d.Post)
		switch {
		case preOK && postOK:
			out.Diffs = append(out.Diffs, d)
		case preOK && !postOK:
			out.Diffs = append(out.Diffs, RowDiff{Key: d.Key, Pre: d.Pre})
		case !preOK && postOK:
			out.Diffs = append(out.Diffs, RowDiff{Key: d.Key, Post: d.Post})
		}
	}
	return out, nil
}

// Map transforms both row images of every diff through Transform,
// preserving insert/update/delete shape.
type Map struct {
	Transform RowTransform
}

func (m Map) Apply(_ *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin, Diffs: make([]RowDiff, len(in.Diffs))}
	for i, d := range in.Diffs {
		nd := RowDiff{Key: d.Key}
		if d.Pre.Len() > 0 {
			nd.Pre = m.Transform(d.Pre)
		}
		if d.Post.Len() > 0 {
			nd.Post = m.Transform(d.Post)
		}
		out.Diffs[i] = nd
	}
	return out, nil
}

// Extend is Map specialized for the common case of adding a derived
// column rather than replacing the row wholesale: Compute receives the
// row and returns the derived value, and Combine joins it onto the row.
// Each Apply call wraps the two in a Map and delegates to it.
type Extend struct {
	Compute func(core.Values) core.Values
	Combine func(row, derived core.Values) core.Values
}

func (e Extend) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	m := Map{Transform: func(row core.Values) core.Values {
		return e.Combine(row, e.Compute(row))
	}}
	return m.Apply(ctx, in)
}
