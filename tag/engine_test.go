package tag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fragcache/fragcache/backend"
	"github.com/fragcache/fragcache/codec"
	"github.com/fragcache/fragcache/key"
	"github.com/fragcache/fragcache/nocache"
)

// countingRenderer is a fake host template engine that counts calls,
// the way the real engine's block renderer would be observed.
type countingRenderer struct {
	mu           sync.Mutex
	blockCalls   int
	nocacheCalls int
	body         func(rctx any) string
}

func (r *countingRenderer) Block(ctx context.Context, rctx any) (string, error) {
	r.mu.Lock()
	r.blockCalls++
	r.mu.Unlock()
	return r.body(rctx), nil
}

func (r *countingRenderer) RenderNocache(ctx context.Context, source string, rctx any) (string, error) {
	r.mu.Lock()
	r.nocacheCalls++
	r.mu.Unlock()
	values, _ := rctx.(map[string]string)
	if v, ok := values[source]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown source %q", source)
}

func (r *countingRenderer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blockCalls, r.nocacheCalls
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = backend.NewMemory()
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

// TestEngine_MissThenHit is the basic scenario: first render misses
// and stores, second render hits without re-invoking the block.
func TestEngine_MissThenHit(t *testing.T) {
	r := &countingRenderer{body: func(any) string { return "Name: Widget" }}
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	req := Request{
		Fragment: "product_detail",
		Vary:     []any{"product", "42"},
		Version:  3,
		Block:    r.Block,
	}

	out, err := e.Render(ctx, req)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "Name: Widget" {
		t.Errorf("Render() = %q, want %q", out, "Name: Widget")
	}

	out, err = e.Render(ctx, req)
	if err != nil {
		t.Fatalf("second Render() error = %v", err)
	}
	if out != "Name: Widget" {
		t.Errorf("second Render() = %q, want %q", out, "Name: Widget")
	}

	if blocks, _ := r.counts(); blocks != 1 {
		t.Errorf("block rendered %d times, want 1 (second render must hit)", blocks)
	}
}

// TestEngine_NocacheFreshness verifies nocache content reflects the
// current context on every hit while the cached portion stays stable.
func TestEngine_NocacheFreshness(t *testing.T) {
	proto := nocache.Default()
	r := &countingRenderer{body: func(any) string {
		return "cached part " + proto.Wrap("counter") + " end"
	}}
	e := newTestEngine(t, Config{Protocol: proto, Nocache: r})
	ctx := context.Background()

	req := func(x string) Request {
		return Request{
			Fragment: "greeting",
			Vary:     []any{"user", "7"},
			Context:  map[string]string{"counter": x},
			Block:    r.Block,
		}
	}

	first, err := e.Render(ctx, req("1"))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := e.Render(ctx, req("2"))
	if err != nil {
		t.Fatalf("second Render() error = %v", err)
	}

	if first != "cached part 1 end" {
		t.Errorf("first = %q, want nocache value 1", first)
	}
	if second != "cached part 2 end" {
		t.Errorf("second = %q, want nocache value 2", second)
	}

	blocks, nocacheCalls := r.counts()
	if blocks != 1 {
		t.Errorf("block rendered %d times, want 1", blocks)
	}
	if nocacheCalls != 2 {
		t.Errorf("nocache rendered %d times, want 2 (once per render)", nocacheCalls)
	}
}

// TestEngine_SelfHealingOnCorruption verifies a mangled entry behaves
// exactly like a miss: fresh render, overwritten entry, no error.
func TestEngine_SelfHealingOnCorruption(t *testing.T) {
	mem := backend.NewMemory()
	r := &countingRenderer{body: func(any) string { return "healthy" }}
	e := newTestEngine(t, Config{Backend: mem})
	ctx := context.Background()

	req := Request{Fragment: "frag", Vary: []any{"a"}, Block: r.Block}

	if _, err := e.Render(ctx, req); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	// Mangle the stored entry under its real key.
	cacheKey, err := key.NewHashBuilder().BuildKey("frag", []any{"a"}, "")
	if err != nil {
		t.Fatalf("BuildKey() error = %v", err)
	}
	if err := mem.Set(ctx, cacheKey, []byte("garbage, not a payload"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	out, err := e.Render(ctx, req)
	if err != nil {
		t.Fatalf("Render() after corruption error = %v, want self-healing miss", err)
	}
	if out != "healthy" {
		t.Errorf("Render() = %q, want fresh render", out)
	}
	if blocks, _ := r.counts(); blocks != 2 {
		t.Errorf("block rendered %d times, want 2", blocks)
	}

	// The corrupt entry was overwritten with a decodable one.
	data, ok, err := mem.Get(ctx, cacheKey)
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v, want stored entry", ok, err)
	}
	if _, err := codec.New(codec.DefaultPolicy()).Decode(data); err != nil {
		t.Errorf("overwritten entry does not decode: %v", err)
	}
}

// TestEngine_VersionBumpInvalidation verifies invalidation through
// version-derived keys alone: v2 never reads the v1 entry.
func TestEngine_VersionBumpInvalidation(t *testing.T) {
	n := 0
	r := &countingRenderer{body: func(any) string { n++; return fmt.Sprintf("render %d", n) }}
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	req := func(version string) Request {
		return Request{Fragment: "frag", Vary: []any{"product", "42"}, Version: version, Block: r.Block}
	}

	v1, err := e.Render(ctx, req("v1"))
	if err != nil {
		t.Fatalf("Render(v1) error = %v", err)
	}
	v2, err := e.Render(ctx, req("v2"))
	if err != nil {
		t.Fatalf("Render(v2) error = %v", err)
	}

	if v1 == v2 {
		t.Errorf("v2 render served the v1 entry: %q", v1)
	}
	if blocks, _ := r.counts(); blocks != 2 {
		t.Errorf("block rendered %d times, want 2 (both versions miss)", blocks)
	}

	// v1 still hits its own entry.
	again, err := e.Render(ctx, req("v1"))
	if err != nil {
		t.Fatalf("Render(v1 again) error = %v", err)
	}
	if again != v1 {
		t.Errorf("Render(v1 again) = %q, want %q", again, v1)
	}
}

// failingBackend simulates an unavailable store.
type failingBackend struct {
	getErr error
	setErr error
}

func (f *failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.getErr
}
func (f *failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.setErr
}
func (f *failingBackend) Delete(context.Context, string) error { return nil }

// TestEngine_BackendFailOpen verifies a dead backend degrades to
// uncached rendering instead of failing the page.
func TestEngine_BackendFailOpen(t *testing.T) {
	down := errors.New("connection refused")
	r := &countingRenderer{body: func(any) string { return "still renders" }}
	e := newTestEngine(t, Config{Backend: &failingBackend{getErr: down, setErr: down}})
	ctx := context.Background()

	req := Request{Fragment: "frag", Vary: []any{"x"}, Block: r.Block}

	for i := 0; i < 2; i++ {
		out, err := e.Render(ctx, req)
		if err != nil {
			t.Fatalf("Render() #%d error = %v, want fail-open success", i+1, err)
		}
		if out != "still renders" {
			t.Errorf("Render() #%d = %q", i+1, out)
		}
	}
	if blocks, _ := r.counts(); blocks != 2 {
		t.Errorf("block rendered %d times, want 2 (nothing cacheable)", blocks)
	}
}

// TestEngine_FatalErrors verifies correctness-threatening inputs are
// surfaced instead of silently miskeying.
func TestEngine_FatalErrors(t *testing.T) {
	type opaque struct{ X int }
	r := &countingRenderer{body: func(any) string { return "never" }}
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			"unkeyable vary value",
			Request{Fragment: "f", Vary: []any{opaque{}}, Block: r.Block},
			key.ErrUnkeyable,
		},
		{
			"unresolvable version",
			Request{Fragment: "f", Version: opaque{}, Block: r.Block},
			key.ErrVersionUnresolved,
		},
		{
			"empty fragment",
			Request{Fragment: "", Block: r.Block},
			key.ErrEmptyFragment,
		},
		{
			"nil block",
			Request{Fragment: "f"},
			ErrNilBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Render(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Render() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if blocks, _ := r.counts(); blocks != 0 {
		t.Errorf("block rendered %d times on fatal paths, want 0", blocks)
	}
}

// TestEngine_NocacheWithoutRenderer verifies a registry-bearing
// fragment without a configured nocache renderer fails loudly.
func TestEngine_NocacheWithoutRenderer(t *testing.T) {
	proto := nocache.Default()
	r := &countingRenderer{body: func(any) string { return proto.Wrap("src") }}
	e := newTestEngine(t, Config{Protocol: proto})

	_, err := e.Render(context.Background(), Request{Fragment: "f", Block: r.Block})
	if !errors.Is(err, ErrNoNocacheRenderer) {
		t.Errorf("Render() error = %v, want ErrNoNocacheRenderer", err)
	}
}

// recordingBackend captures Set parameters.
type recordingBackend struct {
	*backend.Memory
	mu      sync.Mutex
	lastTTL time.Duration
	sets    int
}

func (r *recordingBackend) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.lastTTL = ttl
	r.sets++
	r.mu.Unlock()
	return r.Memory.Set(ctx, k, v, ttl)
}

// TestEngine_TTLPolicy verifies request TTL overrides the default and
// negative overrides mean no expiry.
func TestEngine_TTLPolicy(t *testing.T) {
	tests := []struct {
		name       string
		defaultTTL time.Duration
		reqTTL     time.Duration
		want       time.Duration
	}{
		{"request override", time.Hour, time.Minute, time.Minute},
		{"engine default", time.Hour, 0, time.Hour},
		{"no expiry override", time.Hour, -1, 0},
		{"no ttl anywhere", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := &recordingBackend{Memory: backend.NewMemory()}
			r := &countingRenderer{body: func(any) string { return "x" }}
			e := newTestEngine(t, Config{Backend: rb, DefaultTTL: tt.defaultTTL})

			_, err := e.Render(context.Background(), Request{
				Fragment: "f", TTL: tt.reqTTL, Block: r.Block,
			})
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if rb.lastTTL != tt.want {
				t.Errorf("Set ttl = %v, want %v", rb.lastTTL, tt.want)
			}
		})
	}
}

// TestEngine_CollapseSpaces verifies whitespace collapsing applies to
// both the stored entry and the emitted output.
func TestEngine_CollapseSpaces(t *testing.T) {
	r := &countingRenderer{body: func(any) string { return "\n    foobar\n    " }}
	e := newTestEngine(t, Config{CollapseSpaces: true})

	out, err := e.Render(context.Background(), Request{Fragment: "f", Block: r.Block})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != " foobar " {
		t.Errorf("Render() = %q, want %q", out, " foobar ")
	}
}

// constantKeyBuilder ignores the version, exercising the stored
// payload's own version tag as the second guard.
type constantKeyBuilder struct{}

func (constantKeyBuilder) BuildKey(fragment string, vary []any, version string) (string, error) {
	return "fixed." + fragment, nil
}

// TestEngine_PayloadVersionGuard verifies a stored entry with a
// different embedded version is treated as a miss even when the key
// matches.
func TestEngine_PayloadVersionGuard(t *testing.T) {
	r := &countingRenderer{body: func(any) string { return "content" }}
	e := newTestEngine(t, Config{Builder: constantKeyBuilder{}})
	ctx := context.Background()

	req := func(v string) Request {
		return Request{Fragment: "f", Version: v, Block: r.Block}
	}

	if _, err := e.Render(ctx, req("v1")); err != nil {
		t.Fatalf("Render(v1) error = %v", err)
	}
	if _, err := e.Render(ctx, req("v2")); err != nil {
		t.Fatalf("Render(v2) error = %v", err)
	}
	if blocks, _ := r.counts(); blocks != 2 {
		t.Errorf("block rendered %d times, want 2 (version guard must miss)", blocks)
	}
}

// TestEngine_SingleFlight verifies concurrent misses for one key share
// a single block render when enabled.
func TestEngine_SingleFlight(t *testing.T) {
	var blockCalls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	block := func(ctx context.Context, rctx any) (string, error) {
		if blockCalls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return "shared", nil
	}

	e := newTestEngine(t, Config{SingleFlight: true})
	ctx := context.Background()
	req := Request{Fragment: "f", Vary: []any{"same"}, Block: block}

	const workers = 8
	var wg sync.WaitGroup
	outs := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outs[n], errs[n] = e.Render(ctx, req)
		}(i)
	}

	<-entered
	// Give the remaining workers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d error = %v", i, errs[i])
		}
		if outs[i] != "shared" {
			t.Errorf("worker %d = %q, want %q", i, outs[i], "shared")
		}
	}
	if calls := blockCalls.Load(); calls != 1 {
		t.Errorf("block rendered %d times, want 1 under single-flight", calls)
	}
}

// TestEngine_Invalidate verifies the manual invalidation escape hatch.
func TestEngine_Invalidate(t *testing.T) {
	r := &countingRenderer{body: func(any) string { return "v" }}
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	req := Request{Fragment: "f", Vary: []any{"a"}, Block: r.Block}

	if _, err := e.Render(ctx, req); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if err := e.Invalidate(ctx, req); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := e.Render(ctx, req); err != nil {
		t.Fatalf("Render() after invalidate error = %v", err)
	}
	if blocks, _ := r.counts(); blocks != 2 {
		t.Errorf("block rendered %d times, want 2 after invalidation", blocks)
	}
}

// TestEngine_CustomProtocol verifies a secret-derived sentinel works
// end to end.
func TestEngine_CustomProtocol(t *testing.T) {
	proto := nocache.New("site-secret")
	r := &countingRenderer{body: func(any) string {
		return "hello " + proto.Wrap("name") + "!"
	}}
	e := newTestEngine(t, Config{Protocol: proto, Nocache: r})
	ctx := context.Background()

	req := func(name string) Request {
		return Request{
			Fragment: "hello",
			Context:  map[string]string{"name": name},
			Block:    r.Block,
		}
	}

	out, err := e.Render(ctx, req("Ada"))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "hello Ada!" {
		t.Errorf("Render() = %q", out)
	}

	out, err = e.Render(ctx, req("Grace"))
	if err != nil {
		t.Fatalf("second Render() error = %v", err)
	}
	if out != "hello Grace!" {
		t.Errorf("second Render() = %q", out)
	}
}

// TestNew_RequiresBackend verifies engine construction fails without a
// backend.
func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilBackend) {
		t.Errorf("New() error = %v, want ErrNilBackend", err)
	}
}

// TestEngine_LiteralSentinelInContent verifies content that happens to
// contain sentinel bytes survives the store/hit cycle byte-exact.
func TestEngine_LiteralSentinelInContent(t *testing.T) {
	body := "weird \x00 content \x00\x00 here"
	r := &countingRenderer{body: func(any) string { return body }}
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	req := Request{Fragment: "weird", Block: r.Block}

	miss, err := e.Render(ctx, req)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	hit, err := e.Render(ctx, req)
	if err != nil {
		t.Fatalf("second Render() error = %v", err)
	}

	if miss != body || hit != body {
		t.Errorf("round trip mismatch: miss=%q hit=%q want=%q", miss, hit, body)
	}
	if !strings.Contains(miss, "\x00") {
		t.Error("sentinel bytes were dropped from output")
	}
}
