package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/kv/memory"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBackend(t *testing.T, client kv.Client, clock *fakeClock, cfg Config) *Backend {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	backend, err := New(client, logger.NewNop(), cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return backend
}

func newMemoryBackend(t *testing.T) (*Backend, *memory.Client, *fakeClock) {
	t.Helper()
	client := memory.New()
	clock := newFakeClock()
	return newTestBackend(t, client, clock, Config{}), client, clock
}

// interleavingClient runs a hook right before the next transaction commits,
// which lets a test slip a competing writer between watch and exec.
type interleavingClient struct {
	kv.Client

	mu         sync.Mutex
	beforeExec func()
}

func (c *interleavingClient) setBeforeExec(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeExec = hook
}

func (c *interleavingClient) takeHook() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	hook := c.beforeExec
	c.beforeExec = nil
	return hook
}

func (c *interleavingClient) Watch(ctx context.Context, fn func(tx kv.Tx) error, keys ...string) error {
	return c.Client.Watch(ctx, func(tx kv.Tx) error {
		return fn(&hookTx{Tx: tx, hook: c.takeHook()})
	}, keys...)
}

type hookTx struct {
	kv.Tx
	hook func()
}

func (t *hookTx) Exec(ctx context.Context, writes ...kv.Write) error {
	if t.hook != nil {
		t.hook()
	}
	return t.Tx.Exec(ctx, writes...)
}

func intPtr(v int) *int {
	return &v
}
