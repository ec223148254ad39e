package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobstore/pkg/kv"
)

// KeyIndex caches the keys of every stored job in the set "set_<prefix>".
//
// Membership lives in the store so every worker shares it; whether this
// process trusts it is tracked by the known flag. An unknown index is rebuilt
// by Learn, a full key scan. Once learned, membership is only maintained
// incrementally by Add and Remove and may go stale until the next Learn or
// until the TTL expires.
type KeyIndex struct {
	client  kv.Client
	prefix  string
	setKey  string
	pattern string
	ttl     time.Duration
	clock   func() time.Time
	onLearn func(keys int)

	mu        sync.Mutex
	known     bool
	learnedAt time.Time
}

func newKeyIndex(client kv.Client, prefix string, ttl time.Duration, clock func() time.Time) *KeyIndex {
	return &KeyIndex{
		client:  client,
		prefix:  prefix,
		setKey:  "set_" + prefix,
		pattern: prefix + "_*",
		ttl:     ttl,
		clock:   clock,
	}
}

// Key returns the storage key of a job identifier.
func (i *KeyIndex) Key(id string) string {
	return i.prefix + "_" + id
}

// ID strips the prefix from a storage key. ok is false for keys outside the namespace.
func (i *KeyIndex) ID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, i.prefix+"_")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// SetKey returns the key of the membership set.
func (i *KeyIndex) SetKey() string {
	return i.setKey
}

// Known reports whether the cached membership is trusted without a relearn.
func (i *KeyIndex) Known() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.knownLocked()
}

func (i *KeyIndex) knownLocked() bool {
	if !i.known {
		return false
	}
	if i.ttl > 0 && !i.clock().Before(i.learnedAt.Add(i.ttl)) {
		return false
	}
	return true
}

// AllKeys returns every indexed key, learning the index first when it is not known.
func (i *KeyIndex) AllKeys(ctx context.Context) ([]string, error) {
	if err := i.ensureKnown(ctx); err != nil {
		return nil, err
	}
	return i.client.SMembers(ctx, i.setKey)
}

// Learn rebuilds the index from a full scan of "<prefix>_*" and returns the key count.
// It walks the whole key space; call it at startup or reconnect, not per query.
func (i *KeyIndex) Learn(ctx context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.learnLocked(ctx)
}

func (i *KeyIndex) learnLocked(ctx context.Context) (int, error) {
	i.known = false
	if err := i.client.Del(ctx, i.setKey); err != nil {
		return 0, err
	}
	scanned, err := i.client.Scan(ctx, i.pattern)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(scanned))
	for _, key := range scanned {
		if key != i.setKey {
			keys = append(keys, key)
		}
	}
	if err := i.client.SAdd(ctx, i.setKey, keys...); err != nil {
		return 0, err
	}
	i.known = true
	i.learnedAt = i.clock()
	if i.onLearn != nil {
		i.onLearn(len(keys))
	}
	return len(keys), nil
}

// Add registers key after a save.
func (i *KeyIndex) Add(ctx context.Context, key string) error {
	return i.client.SAdd(ctx, i.setKey, key)
}

// Remove deregisters key after a destroy.
func (i *KeyIndex) Remove(ctx context.Context, key string) error {
	return i.client.SRem(ctx, i.setKey, key)
}

// Contains reports whether key is indexed, learning the index first when it is not known.
func (i *KeyIndex) Contains(ctx context.Context, key string) (bool, error) {
	if err := i.ensureKnown(ctx); err != nil {
		return false, err
	}
	return i.client.SIsMember(ctx, i.setKey, key)
}

// Random returns an arbitrary indexed key.
func (i *KeyIndex) Random(ctx context.Context) (string, bool, error) {
	if err := i.ensureKnown(ctx); err != nil {
		return "", false, err
	}
	return i.client.SRandMember(ctx, i.setKey)
}

// Forget drops the membership set and marks the index unknown.
func (i *KeyIndex) Forget(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.known = false
	return i.client.Del(ctx, i.setKey)
}

func (i *KeyIndex) ensureKnown(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.knownLocked() {
		return nil
	}
	_, err := i.learnLocked(ctx)
	return err
}
