package pipeline

import (
	"context"
	"sync"
	"time"
)

// Deduplicator remembers applied change keys for a while.
type Deduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDeduplicator creates a deduplicator. Entries expire after ttl, or
// never when ttl is 0. When maxSize is positive the oldest entry is
// evicted to make room.
func NewDeduplicator(ttl time.Duration, maxSize int) *Deduplicator {
	return &Deduplicator{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was marked and has not expired.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if d.ttl > 0 && d.now().Sub(at) > d.ttl {
		delete(d.seen, key)
		return false
	}
	return true
}

// Mark records key.
func (d *Deduplicator) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; !ok && d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.prune()
	}
	d.seen[key] = d.now()
}

// Forget removes key.
func (d *Deduplicator) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of remembered keys, expired ones included.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// prune drops expired entries, or the oldest one if none expired.
func (d *Deduplicator) prune() {
	now := d.now()
	var oldest string
	var oldestAt time.Time
	removed := false
	for k, at := range d.seen {
		if d.ttl > 0 && now.Sub(at) > d.ttl {
			delete(d.seen, k)
			removed = true
			continue
		}
		if oldest == "" || at.Before(oldestAt) {
			oldest, oldestAt = k, at
		}
	}
	if !removed && oldest != "" {
		delete(d.seen, oldest)
	}
}

// DedupApplier skips changes whose key was already applied. Skipped
// changes are reported as synced. The key defaults to the change ID.
type DedupApplier struct {
	next  Applier
	dedup *Deduplicator
	key   func(Change) string
}

// NewDedupApplier wraps next. Panics if next or dedup is nil.
func NewDedupApplier(next Applier, dedup *Deduplicator) *DedupApplier {
	if next == nil {
		panic("pipeline: applier cannot be nil")
	}
	if dedup == nil {
		panic("pipeline: dedup cannot be nil")
	}
	return &DedupApplier{
		next:  next,
		dedup: dedup,
		key:   func(c Change) string { return c.ID },
	}
}

// WithKey sets the function deriving the dedup key of a change.
func (d *DedupApplier) WithKey(fn func(Change) string) *DedupApplier {
	if fn != nil {
		d.key = fn
	}
	return d
}

// Apply implements Applier.
func (d *DedupApplier) Apply(ctx context.Context, changes []Change) ([]Change, []Change, error) {
	var fresh, dupes []Change
	for _, c := range changes {
		if d.dedup.Seen(d.key(c)) {
			dupes = append(dupes, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return dupes, nil, nil
	}

	synced, failed, err := d.next.Apply(ctx, fresh)
	for _, c := range synced {
		d.dedup.Mark(d.key(c))
	}
	return append(synced, dupes...), failed, err
}

// Deduplicator returns the underlying deduplicator.
func (d *DedupApplier) Deduplicator() *Deduplicator { return d.dedup }
