package flow

// Sink is the terminal node of a flow's DAG: it writes the incoming
// change into the materialized view's backing row partition. This
// happens inside the very same staged transaction as the CDC that
// triggered it; Sink itself never commits, it only stages via
// OpContext.SetView/RemoveView.
type Sink struct{}

func (Sink) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	for _, d := range in.Diffs {
		if d.Post.Len() == 0 {
			if err := ctx.RemoveView(d.Key); err != nil {
				return FlowChange{}, err
			}
			continue
		}
		ctx.SetView(d.Key, d.Post)
	}
	return FlowChange{Origin: in.Origin}, nil
}
