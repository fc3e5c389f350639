// Package ledger implements the replicated hash-chain ledger: blocks, chain
// validation, the longest-valid-chain replacement rule and the four-message
// protocol peers use to exchange blocks.
//
// # Core Components
//
// Block: an immutable entry whose Hash is SHA-256 over its prev_hash, its
// big-endian index and timestamp, and its data.
//
// Handler: owns the local chain. PushBlock extends it by one block, and
// ReplaceChain swaps it for a strictly longer valid chain.
//
// Message: QueryLatest, QueryAll, ResponseLatest and ResponseAll, encoded as
// JSON the same way every peer does.
//
// # Usage
//
//	h := ledger.NewHandler()
//	h.PushBlock(ledger.GenerateBlock("hello", h.Latest()))
//	if reply, ok := h.Handle(payload); ok {
//		transport.Publish(ctx, reply)
//	}
//
// A Handler is not synchronized. Exactly one goroutine may own it.
package ledger
