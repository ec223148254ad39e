// Package memory provides an in-process kv.Client.
//
// Every key carries a version bumped on each mutation. Watch snapshots the
// versions of the watched keys and Exec commits only when they are unchanged,
// which gives the same at-most-one-winner guarantee as Redis WATCH/MULTI/EXEC.
package memory

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nimburion/jobstore/pkg/kv"
)

type dataset struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	versions map[string]uint64
}

// Client is a goroutine-safe in-memory kv.Client. Clients returned by
// Connection share their data but connect and disconnect independently, like
// separate processes talking to one server.
type Client struct {
	*dataset
	connected atomic.Bool
}

// New returns a connected in-memory client over an empty dataset.
func New() *Client {
	return newClient(&dataset{
		hashes:   map[string]map[string]string{},
		sets:     map[string]map[string]struct{}{},
		versions: map[string]uint64{},
	})
}

func newClient(data *dataset) *Client {
	c := &Client{dataset: data}
	c.connected.Store(true)
	return c
}

// Connection returns a new connected client over the same data.
func (c *Client) Connection() *Client {
	return newClient(c.dataset)
}

// Connect marks the client usable again after Disconnect.
func (c *Client) Connect(context.Context) error {
	c.connected.Store(true)
	return nil
}

// Disconnect makes every subsequent operation on this client fail with kv.ErrNotConnected.
func (c *Client) Disconnect() error {
	c.connected.Store(false)
	return nil
}

// Ping reports whether the client is connected.
func (c *Client) Ping(context.Context) error {
	return c.checkConnected()
}

// HMGet returns the requested fields of key that are present.
func (c *Client) HMGet(_ context.Context, key string, fields ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.hmget(key, fields), nil
}

// HMGetMulti runs HMGet for each key under one lock, in key order.
func (c *Client) HMGetMulti(_ context.Context, keys []string, fields ...string) ([]map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(keys))
	for idx, key := range keys {
		out[idx] = c.hmget(key, fields)
	}
	return out, nil
}

// HGetAll returns a copy of every field of key.
func (c *Client) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.hashes[key]))
	for field, value := range c.hashes[key] {
		out[field] = value
	}
	return out, nil
}

// Apply performs writes atomically without a version check.
func (c *Client) Apply(_ context.Context, writes ...kv.Write) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	c.apply(writes)
	return nil
}

// Del removes keys of any type. Missing keys are ignored.
func (c *Client) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	for _, key := range keys {
		c.deleteKey(key)
	}
	return nil
}

// SAdd adds members to set.
func (c *Client) SAdd(_ context.Context, set string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	current, ok := c.sets[set]
	if !ok {
		current = map[string]struct{}{}
		c.sets[set] = current
	}
	for _, member := range members {
		current[member] = struct{}{}
	}
	c.versions[set]++
	return nil
}

// SRem removes members from set and drops the set once it is empty.
func (c *Client) SRem(_ context.Context, set string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	current, ok := c.sets[set]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(current, member)
	}
	if len(current) == 0 {
		delete(c.sets, set)
	}
	c.versions[set]++
	return nil
}

// SMembers returns the members of set in sorted order.
func (c *Client) SMembers(_ context.Context, set string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.members(set), nil
}

// SIsMember reports whether member is in set.
func (c *Client) SIsMember(_ context.Context, set, member string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return false, err
	}
	_, ok := c.sets[set][member]
	return ok, nil
}

// SRandMember returns a random member of set, or false if the set is empty.
func (c *Client) SRandMember(_ context.Context, set string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return "", false, err
	}
	members := c.members(set)
	if len(members) == 0 {
		return "", false, nil
	}
	return members[rand.IntN(len(members))], true, nil
}

// Scan returns every hash and set key matching a Redis glob pattern, sorted.
func (c *Client) Scan(_ context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for key := range c.hashes {
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	for key := range c.sets {
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch snapshots the versions of keys and runs fn. Exec on the transaction
// fails with kv.ErrTxAborted if any watched key changed in between.
func (c *Client) Watch(ctx context.Context, fn func(tx kv.Tx) error, keys ...string) error {
	c.mu.Lock()
	if err := c.checkConnected(); err != nil {
		c.mu.Unlock()
		return err
	}
	snapshot := make(map[string]uint64, len(keys))
	for _, key := range keys {
		snapshot[key] = c.versions[key]
	}
	c.mu.Unlock()

	return fn(&tx{client: c, watched: snapshot})
}

// Close is a no-op; the data stays available to other holders of the client.
func (c *Client) Close() error {
	return nil
}

func (c *Client) checkConnected() error {
	if !c.connected.Load() {
		return kv.ErrNotConnected
	}
	return nil
}

func (c *Client) hmget(key string, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	hash := c.hashes[key]
	for _, field := range fields {
		if value, ok := hash[field]; ok {
			out[field] = value
		}
	}
	return out
}

func (c *Client) members(set string) []string {
	out := make([]string, 0, len(c.sets[set]))
	for member := range c.sets[set] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func (c *Client) apply(writes []kv.Write) {
	for _, w := range writes {
		if w.DeleteKey {
			c.deleteKey(w.Key)
			continue
		}
		hash, ok := c.hashes[w.Key]
		if !ok {
			hash = map[string]string{}
		}
		for field, value := range w.Set {
			hash[field] = value
		}
		for _, field := range w.Del {
			delete(hash, field)
		}
		if len(hash) == 0 {
			delete(c.hashes, w.Key)
		} else {
			c.hashes[w.Key] = hash
		}
		c.versions[w.Key]++
	}
}

func (c *Client) deleteKey(key string) {
	_, isHash := c.hashes[key]
	_, isSet := c.sets[key]
	if !isHash && !isSet {
		return
	}
	delete(c.hashes, key)
	delete(c.sets, key)
	c.versions[key]++
}

type tx struct {
	client  *Client
	watched map[string]uint64
	done    bool
}

func (t *tx) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	return t.client.HMGet(ctx, key, fields...)
}

func (t *tx) Exec(_ context.Context, writes ...kv.Write) error {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	if t.done {
		return kv.ErrTxAborted
	}
	t.done = true
	for key, version := range t.watched {
		if c.versions[key] != version {
			return kv.ErrTxAborted
		}
	}
	c.apply(writes)
	return nil
}
