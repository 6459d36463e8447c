package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(name string) *FuncProcessor {
	return NewFunc(name, func(ctx context.Context, pc *Context) (*Result, error) {
		return Succeeded(pc.Source()), nil
	}).WithCapabilities(Capabilities{Accepts: []string{"text"}, Produces: []string{"text"}})
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Resolve("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessorNotFound))
}

func TestRegistry_LazyInstantiationIsCached(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.Register("echo", func() (Processor, error) {
		calls.Add(1)
		return echo("echo"), nil
	}))
	assert.Zero(t, calls.Load(), "factory must not run at registration")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Resolve("echo")
			assert.NoError(t, err)
			assert.Equal(t, "echo", p.Name())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_DuplicateAndSeal(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterInstance(echo("a")))

	err := r.RegisterInstance(echo("a"))
	assert.True(t, errors.Is(err, ErrDuplicateProcessor))

	r.Seal()
	assert.True(t, r.Sealed())
	assert.True(t, errors.Is(r.RegisterInstance(echo("b")), ErrRegistrySealed))
	assert.True(t, errors.Is(r.Unregister("a"), ErrRegistrySealed))

	p, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterInstance(echo("a")))
	_, err := r.Resolve("a")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("a"))
	assert.False(t, r.Has("a"))

	_, err = r.Resolve("a")
	assert.True(t, errors.Is(err, ErrProcessorNotFound))
	assert.True(t, errors.Is(r.Unregister("a"), ErrProcessorNotFound))
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("broken", func() (Processor, error) {
		return nil, errors.New("boom")
	}))

	_, err := r.Resolve("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	descs := r.Describe()
	require.Len(t, descs, 1)
	assert.False(t, descs[0].Instantiated)
}

func TestRegistry_SlowFactoryDoesNotBlockOtherNames(t *testing.T) {
	r := NewRegistry(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.Register("slow", func() (Processor, error) {
		close(entered)
		<-release
		return echo("slow"), nil
	}))
	require.NoError(t, r.RegisterInstance(echo("fast")))

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve("slow")
		done <- err
	}()
	<-entered

	resolved := make(chan struct{})
	go func() {
		defer close(resolved)
		assert.True(t, r.Has("slow"))
		p, err := r.Resolve("fast")
		assert.NoError(t, err)
		assert.Equal(t, "fast", p.Name())
		assert.Equal(t, []string{"fast", "slow"}, r.Names())
	}()

	select {
	case <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("registry blocked while another factory was running")
	}

	close(release)
	require.NoError(t, <-done)
}

func TestRegistry_FactoryErrorIsRetried(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.Register("flaky", func() (Processor, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("warming up")
		}
		return echo("flaky"), nil
	}))

	_, err := r.Resolve("flaky")
	require.Error(t, err)
	p, err := r.Resolve("flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", p.Name())
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_DescribeAndFind(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterInstance(echo("b")))
	require.NoError(t, r.RegisterInstance(NewFunc("a", nil).WithCapabilities(Capabilities{Accepts: []string{"pdf"}})))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, []string{"b"}, r.FindByInput("text"))
	assert.Equal(t, []string{"a"}, r.FindByInput("pdf"))

	health := r.HealthCheck(context.Background())
	assert.NoError(t, health["b"])
	assert.Error(t, health["a"])
}

func TestContext_IsACopy(t *testing.T) {
	meta := map[string]any{"lang": "en"}
	upstream := map[string]Result{"parse": {Success: true, Payload: "text"}}
	pc := NewContext(ContextParams{DocumentID: "doc-1", Source: "/tmp/a.pdf", Metadata: meta, Upstream: upstream})

	meta["lang"] = "fr"
	upstream["other"] = Result{}

	assert.Equal(t, "en", pc.MetadataString("lang"))
	assert.Equal(t, []string{"parse"}, pc.UpstreamNames())
	assert.Equal(t, 1, pc.Attempt())

	snap := pc.Snapshot()
	restored := FromSnapshot(snap)
	assert.Equal(t, "doc-1", restored.DocumentID())
	r, ok := restored.Upstream("parse")
	require.True(t, ok)
	assert.Equal(t, "text", r.Payload)
}

func TestExecutionError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := &ExecutionError{Processor: "document.parse", Stage: "parse", Err: inner}
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), `stage "parse"`)

	in := InputError("missing source", nil)
	assert.True(t, IsInputError(in))
	assert.False(t, IsInputError(inner))
}
