package relay

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// deliveryDedupCache remembers GitHub delivery ids that were relayed, so
// redelivered webhooks are acknowledged without being relayed twice.
// An id being relayed right now is held in inflight; a redelivery of it
// waits for that attempt before deciding.
type deliveryDedupCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, struct{}]
	inflight map[string]chan struct{}
}

func newDeliveryDedupCache(size int) (*deliveryDedupCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive")
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &deliveryDedupCache{
		cache:    cache,
		inflight: make(map[string]chan struct{}),
	}, nil
}

// claim reports whether the caller should relay id. It returns false when
// id was already relayed. Every true result must be followed by finish.
// Empty ids are never deduplicated.
func (d *deliveryDedupCache) claim(id string) bool {
	if d == nil || id == "" {
		return true
	}
	for {
		d.mu.Lock()
		if d.cache.Contains(id) {
			d.mu.Unlock()
			return false
		}
		wait, busy := d.inflight[id]
		if !busy {
			d.inflight[id] = make(chan struct{})
			d.mu.Unlock()
			return true
		}
		d.mu.Unlock()
		<-wait
	}
}

// finish ends a claim. Only a delivered id is remembered; a failed one can
// be relayed again by the next redelivery.
func (d *deliveryDedupCache) finish(id string, delivered bool) {
	if d == nil || id == "" {
		return
	}
	d.mu.Lock()
	wait, ok := d.inflight[id]
	delete(d.inflight, id)
	if delivered {
		d.cache.Add(id, struct{}{})
	}
	d.mu.Unlock()
	if ok {
		close(wait)
	}
}

// warm preloads ids, oldest last.
func (d *deliveryDedupCache) warm(ids []string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(ids) - 1; i >= 0; i-- {
		d.cache.Add(ids[i], struct{}{})
	}
}
