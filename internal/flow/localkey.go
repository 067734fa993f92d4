package flow

import "github.com/reifydb/reifydb/internal/key"

// localBuilder starts a scratch key.Builder for composing a node-local
// state key out of multiple escaped segments (e.g. a join bucket plus a
// row identity). The builder always prepends a KeyKind byte; finishLocal
// strips it back off since OpContext.stateKey supplies the real
// (flow, node) namespacing and kind on top.
func localBuilder() *key.Builder {
	return key.NewBuilder(key.KindFlowState)
}

func finishLocal(b *key.Builder) key.EncodedKey {
	full := b.Build().Bytes()
	return key.Raw(full[1:])
}
