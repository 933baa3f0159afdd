package tag

import "context"

// BlockFunc renders the block body wrapped by the cache tag against a
// render context. It is supplied per request by the host template
// engine; nocache blocks inside the body must be emitted as their
// Protocol.Wrap-ped replayable source instead of rendered output.
//
// Contract:
// - Idempotence: concurrent misses for the same key may each invoke
//   the block; renders must be repeatable.
// - Ownership: the engine never retains the function beyond the call.
type BlockFunc func(ctx context.Context, rctx any) (string, error)

// NocacheRenderer replays one registered nocache sub-invocation
// against the current render context. The engine stores only the
// opaque source and hands it back here; it never interprets template
// syntax itself.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Freshness: the result must reflect the context passed in, which
//   usually differs from the context the fragment was stored under.
type NocacheRenderer interface {
	RenderNocache(ctx context.Context, source string, rctx any) (string, error)
}

// NocacheRendererFunc adapts a function to NocacheRenderer.
type NocacheRendererFunc func(ctx context.Context, source string, rctx any) (string, error)

// RenderNocache calls f.
func (f NocacheRendererFunc) RenderNocache(ctx context.Context, source string, rctx any) (string, error) {
	return f(ctx, source, rctx)
}
