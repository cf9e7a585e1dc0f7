// Package cache keeps the last known state payload per topic.
package cache

import (
	"container/list"
	"sync"

	"z2m-hub/internal/z2m"
)

// Ceiling is the maximum number of topics kept. Inserting a new topic into
// a full cache evicts the topic that was (re-)inserted longest ago.
const Ceiling = 2000

type entry struct {
	topic   string
	payload z2m.Payload
}

// Values is an insertion-ordered topic → payload store. Every upsert moves
// the topic to the newest position. Safe for concurrent use.
type Values struct {
	mu      sync.RWMutex
	limit   int
	order   *list.List // front = oldest
	entries map[string]*list.Element
}

// New returns an empty cache bounded by Ceiling.
func New() *Values {
	return newWithLimit(Ceiling)
}

func newWithLimit(limit int) *Values {
	return &Values{
		limit:   limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Upsert merges p into the payload cached for topic (see z2m.Payload.Merge),
// makes topic the most recent entry and evicts the oldest entry if the
// ceiling is exceeded. It returns the stored payload and the evicted topic,
// if any.
func (v *Values) Upsert(topic string, p z2m.Payload) (stored z2m.Payload, evicted string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored = p
	if el, ok := v.entries[topic]; ok {
		stored = el.Value.(*entry).payload.Merge(p)
		v.order.Remove(el)
		delete(v.entries, topic)
	}
	v.entries[topic] = v.order.PushBack(&entry{topic: topic, payload: stored})

	if v.order.Len() > v.limit {
		oldest := v.order.Front()
		evicted = oldest.Value.(*entry).topic
		v.order.Remove(oldest)
		delete(v.entries, evicted)
	}
	return stored, evicted
}

// Get returns the payload cached for topic.
func (v *Values) Get(topic string) (z2m.Payload, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	el, ok := v.entries[topic]
	if !ok {
		return z2m.Payload{}, false
	}
	return el.Value.(*entry).payload, true
}

// Has reports whether topic is cached.
func (v *Values) Has(topic string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.entries[topic]
	return ok
}

// Len returns the number of cached topics.
func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.order.Len()
}

// keys returns the cached topics, oldest first.
func (v *Values) keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, v.order.Len())
	for el := v.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).topic)
	}
	return keys
}

// Clear drops every entry.
func (v *Values) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order.Init()
	clear(v.entries)
}
