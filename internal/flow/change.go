package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// RowDiff is one row-level change: Pre is the row's image before the
// change (zero value if this is an insert), Post is its image after (zero
// value if this is a delete). Both present means an update.
type RowDiff struct {
	Key  key.EncodedKey
	Pre  core.Values
	Post core.Values
}

// IsInsert reports whether d introduces a row that did not exist before.
func (d RowDiff) IsInsert() bool { return d.Pre.Len() == 0 && d.Post.Len() > 0 }

// IsDelete reports whether d removes a row that existed before.
func (d RowDiff) IsDelete() bool { return d.Pre.Len() > 0 && d.Post.Len() == 0 }

// IsUpdate reports whether d replaces one row image with another.
func (d RowDiff) IsUpdate() bool { return d.Pre.Len() > 0 && d.Post.Len() > 0 }

// FlowChange is the unit an Operator consumes and produces: a batch of
// row diffs attributed to the node that most recently produced them.
type FlowChange struct {
	Diffs  []RowDiff
	Origin FlowNodeId
}

// Empty reports whether c carries no diffs, letting propagation skip a
// downstream Apply call that would do nothing.
func (c FlowChange) Empty() bool { return len(c.Diffs) == 0 }
