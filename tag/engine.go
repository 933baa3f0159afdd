package tag

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/fragcache/fragcache/backend"
	"github.com/fragcache/fragcache/codec"
	"github.com/fragcache/fragcache/key"
	"github.com/fragcache/fragcache/nocache"
)

// instrumentationName is the otel scope for engine telemetry.
const instrumentationName = "github.com/fragcache/fragcache/tag"

// Request describes one cacheable fragment render.
type Request struct {
	// Fragment names the call site; it becomes part of the key and
	// separates collision domains between unrelated templates.
	Fragment string

	// Vary is the ordered sequence of values the fragment's identity
	// depends on. Literals and key.Keyable objects are accepted.
	Vary []any

	// Version is the invalidation token source, resolved fresh on
	// every render via key.ResolveVersion. Bumping it orphans all
	// prior entries without deletion.
	Version any

	// TTL overrides the engine's default entry lifetime. Zero means
	// use the default; negative means store without expiry.
	TTL time.Duration

	// Context is the opaque render context handed back to Block and
	// to the nocache renderer. The engine never inspects it.
	Context any

	// Block renders the wrapped block body on a miss.
	Block BlockFunc
}

// Config assembles an Engine. Backend is required; every other field
// has a default, and substituting any subset is the supported way to
// customize key construction, versioning, compression, sentinel
// format, backend selection, or TTL policy.
type Config struct {
	// Backend stores encoded fragments. Required.
	Backend backend.Backend

	// Builder derives cache keys. Defaults to key.NewHashBuilder().
	Builder key.Builder

	// Codec frames stored payloads. Defaults to
	// codec.New(codec.DefaultPolicy()).
	Codec *codec.Codec

	// Protocol defines the nocache marker grammar. Defaults to
	// nocache.Default().
	Protocol *nocache.Protocol

	// Nocache re-renders registered nocache sources. Required only
	// for fragments that contain nocache blocks.
	Nocache NocacheRenderer

	// DefaultTTL applies when Request.TTL is zero. Zero means entries
	// are stored without expiry (the backend's own policy applies).
	DefaultTTL time.Duration

	// CollapseSpaces collapses whitespace runs in rendered output
	// before caching, shrinking entries at the cost of formatting.
	CollapseSpaces bool

	// SingleFlight deduplicates concurrent misses for the same key in
	// process. Off by default: renders are assumed idempotent, so the
	// thundering-herd overwrites are safe, just wasteful.
	SingleFlight bool

	// Logger receives absorbed failures (backend outages, corrupt
	// entries, failed writes). Defaults to a no-op logger.
	Logger *zerolog.Logger

	// MeterProvider and TracerProvider supply telemetry. They default
	// to the otel globals, which are no-ops unless an SDK is installed.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Engine is the cache tag orchestrator. It holds no cross-invocation
// state beyond its strategies; all entry identity lives in the backend.
type Engine struct {
	backend        backend.Backend
	builder        key.Builder
	codec          *codec.Codec
	proto          *nocache.Protocol
	nocacheRnd     NocacheRenderer
	defaultTTL     time.Duration
	collapseSpaces bool
	logger         zerolog.Logger
	metrics        *renderMetrics
	tracer         trace.Tracer
	flight         *singleflight.Group
}

// New assembles an Engine, applying defaults for unset strategies.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, ErrNilBackend
	}
	if cfg.Builder == nil {
		cfg.Builder = key.NewHashBuilder()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New(codec.DefaultPolicy())
	}
	if cfg.Protocol == nil {
		cfg.Protocol = nocache.Default()
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	metrics, err := newRenderMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("tag: init metrics: %w", err)
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	e := &Engine{
		backend:        cfg.Backend,
		builder:        cfg.Builder,
		codec:          cfg.Codec,
		proto:          cfg.Protocol,
		nocacheRnd:     cfg.Nocache,
		defaultTTL:     cfg.DefaultTTL,
		collapseSpaces: cfg.CollapseSpaces,
		logger:         logger,
		metrics:        metrics,
		tracer:         tp.Tracer(instrumentationName),
	}
	if cfg.SingleFlight {
		e.flight = &singleflight.Group{}
	}
	return e, nil
}

// Render serves one fragment: from the backend when a valid entry
// exists, rendering and storing it otherwise. Nocache blocks are
// re-rendered against req.Context on both paths.
//
// Unkeyable vary-on values and unresolvable versions are returned as
// errors; backend outages and corrupt entries are absorbed and only
// degrade to uncached rendering.
func (e *Engine) Render(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "fragcache.render",
		trace.WithAttributes(attribute.String("fragment", req.Fragment)))
	defer span.End()

	out, result, err := e.render(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("fragcache.outcome", string(result)))
		e.metrics.record(ctx, req.Fragment, result, time.Since(start))
	}
	return out, err
}

func (e *Engine) render(ctx context.Context, req Request) (string, outcome, error) {
	if req.Block == nil {
		return "", outcomeMiss, ErrNilBlock
	}

	// KEY_RESOLUTION: failures here are fatal; a miskeyed entry would
	// corrupt the namespace for unrelated content.
	version, err := key.ResolveVersion(req.Version)
	if err != nil {
		return "", outcomeMiss, err
	}
	cacheKey, err := e.builder.BuildKey(req.Fragment, req.Vary, version)
	if err != nil {
		return "", outcomeMiss, err
	}
	if err := backend.ValidateKey(cacheKey); err != nil {
		return "", outcomeMiss, fmt.Errorf("built key %q: %w", cacheKey, err)
	}

	// BACKEND_LOOKUP: a failing backend must never break rendering.
	data, found, err := e.backend.Get(ctx, cacheKey)
	if err != nil {
		e.metrics.recordBackendError(ctx, req.Fragment, "get")
		e.logger.Warn().Err(err).Str("key", cacheKey).
			Msg("cache backend read failed, rendering fresh")
		found = false
	}

	if found {
		out, ok, err := e.serveHit(ctx, req, cacheKey, version, data)
		if err != nil {
			return "", outcomeHit, err
		}
		if ok {
			return out, outcomeHit, nil
		}
		// Stored entry was unusable; fall through to the miss path,
		// which overwrites it.
	}

	out, err := e.serveMiss(ctx, req, cacheKey, version)
	return out, outcomeMiss, err
}

// serveHit attempts to serve from a stored entry. ok=false means the
// entry is unusable and the caller should re-render; err is reserved
// for failures that would also fail an uncached render.
func (e *Engine) serveHit(ctx context.Context, req Request, cacheKey, version string, data []byte) (string, bool, error) {
	payload, err := e.codec.Decode(data)
	if err != nil {
		e.metrics.recordDecodeFailure(ctx, req.Fragment)
		e.logger.Debug().Err(err).Str("key", cacheKey).
			Msg("stored payload rejected, re-rendering")
		return "", false, nil
	}
	if payload.Version != version {
		// Key collision across versions, or a Builder override that
		// leaves the version out of the key. Either way the entry is
		// stale for this identity.
		e.logger.Debug().Str("key", cacheKey).
			Str("stored", payload.Version).Str("want", version).
			Msg("stored payload version mismatch, re-rendering")
		return "", false, nil
	}

	values, err := e.renderRegistry(ctx, req, payload.Registry)
	if err != nil {
		return "", false, err
	}

	out, err := e.proto.Substitute(payload.Skeleton, values)
	if err != nil {
		// Corrupt skeleton despite a valid frame: self-heal like any
		// other decode failure.
		e.metrics.recordDecodeFailure(ctx, req.Fragment)
		e.logger.Debug().Err(err).Str("key", cacheKey).
			Msg("stored skeleton rejected, re-rendering")
		return "", false, nil
	}
	return out, true, nil
}

// serveMiss renders the block, stores the skeleton, and emits output
// with nocache values rendered against the current context. With
// SingleFlight enabled, concurrent misses share one render and store;
// each caller still substitutes nocache content for itself.
func (e *Engine) serveMiss(ctx context.Context, req Request, cacheKey, version string) (string, error) {
	var payload codec.Payload
	if e.flight != nil {
		result, err, _ := e.flight.Do(cacheKey, func() (any, error) {
			return e.buildEntry(ctx, req, cacheKey, version)
		})
		if err != nil {
			return "", err
		}
		payload = result.(codec.Payload)
	} else {
		var err error
		payload, err = e.buildEntry(ctx, req, cacheKey, version)
		if err != nil {
			return "", err
		}
	}

	values, err := e.renderRegistry(ctx, req, payload.Registry)
	if err != nil {
		return "", err
	}
	out, err := e.proto.Substitute(payload.Skeleton, values)
	if err != nil {
		// The skeleton was produced in this very call; a mismatch is a
		// protocol override bug, not cache corruption.
		return "", fmt.Errorf("tag: substitute fresh skeleton: %w", err)
	}
	return out, nil
}

// buildEntry renders the block body, extracts nocache blocks, and
// stores the encoded payload best-effort.
func (e *Engine) buildEntry(ctx context.Context, req Request, cacheKey, version string) (codec.Payload, error) {
	text, err := req.Block(ctx, req.Context)
	if err != nil {
		return codec.Payload{}, fmt.Errorf("tag: render block: %w", err)
	}
	if e.collapseSpaces {
		text = codec.CollapseSpaces(text)
	}

	skeleton, registry, err := e.proto.Extract(text)
	if err != nil {
		return codec.Payload{}, fmt.Errorf("tag: extract nocache blocks: %w", err)
	}

	payload := codec.Payload{Skeleton: skeleton, Registry: registry, Version: version}

	encoded, err := e.codec.Encode(payload)
	if err != nil {
		// No caching this time; the render itself still succeeds.
		e.logger.Warn().Err(err).Str("key", cacheKey).
			Msg("payload encode failed, serving uncached")
		return payload, nil
	}
	if err := e.backend.Set(ctx, cacheKey, encoded, e.effectiveTTL(req.TTL)); err != nil {
		e.metrics.recordBackendError(ctx, req.Fragment, "set")
		e.logger.Warn().Err(err).Str("key", cacheKey).
			Msg("cache backend write failed, serving uncached")
	}
	return payload, nil
}

// renderRegistry re-renders every registered nocache source against
// the current context. Errors are fatal: the same render would fail
// uncached too.
func (e *Engine) renderRegistry(ctx context.Context, req Request, registry []string) ([]string, error) {
	if len(registry) == 0 {
		return nil, nil
	}
	if e.nocacheRnd == nil {
		return nil, ErrNoNocacheRenderer
	}

	values := make([]string, len(registry))
	for i, source := range registry {
		value, err := e.nocacheRnd.RenderNocache(ctx, source, req.Context)
		if err != nil {
			return nil, fmt.Errorf("tag: render nocache block %d: %w", i, err)
		}
		values[i] = value
	}
	return values, nil
}

// effectiveTTL resolves the entry lifetime: request override first,
// engine default second, no expiry last. Negative overrides mean
// store forever.
func (e *Engine) effectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl == 0 {
		ttl = e.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

// Invalidate removes the entry for the given request identity. The
// usual invalidation path is bumping the version; this is the manual
// escape hatch.
func (e *Engine) Invalidate(ctx context.Context, req Request) error {
	version, err := key.ResolveVersion(req.Version)
	if err != nil {
		return err
	}
	cacheKey, err := e.builder.BuildKey(req.Fragment, req.Vary, version)
	if err != nil {
		return err
	}
	if err := e.backend.Delete(ctx, cacheKey); err != nil {
		return fmt.Errorf("tag: invalidate %q: %w", cacheKey, err)
	}
	return nil
}
