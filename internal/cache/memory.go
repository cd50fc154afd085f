package cache

import (
	"container/list"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vasayxtx/go-glob"
)

// DefaultMemoryCapacity bounds the number of values held by NewMemory(0).
const DefaultMemoryCapacity = 10000

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Memory is a thread-safe in-process Store. Values are LRU-bounded and expire
// on read once their backend TTL passes; sets are unbounded.
type Memory struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element
	evictList *list.List
	sets      map[string]map[string]struct{}
	now       func() time.Time
}

// NewMemory creates an in-memory store holding at most capacity values.
func NewMemory(capacity int, opts ...StoreOption) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	o := applyStoreOptions(opts)
	return &Memory{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		sets:      make(map[string]map[string]struct{}),
		now:       o.now,
	}
}

// Name implements Store.
func (m *Memory) Name() string { return "memory" }

// Get returns the stored value, or false if missing or expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if m.expiredLocked(entry) {
		m.removeElement(elem)
		return nil, false, nil
	}
	m.evictList.MoveToFront(elem)
	return entry.value, true, nil
}

// Set stores a value, evicting the least recently used one when full.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	delete(m.sets, key)

	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	if m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}
	elem := m.evictList.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	m.items[key] = elem
	return nil
}

// Del removes values and sets, returning how many keys existed.
func (m *Memory) Del(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, key := range keys {
		if elem, ok := m.items[key]; ok {
			if !m.expiredLocked(elem.Value.(*memoryEntry)) {
				n++
			}
			m.removeElement(elem)
			continue
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			n++
		}
	}
	return n, nil
}

// Keys lists live value and set keys matching pattern.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	match := glob.Compile(pattern)

	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key, elem := range m.items {
		if m.expiredLocked(elem.Value.(*memoryEntry)) {
			continue
		}
		if match(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SAdd adds members to the set at key.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SRem removes members from the set at key; empty sets disappear.
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SMembers returns the members of the set at key in sorted order.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Info reports value and set counts.
func (m *Memory) Info(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"values":   strconv.Itoa(m.evictList.Len()),
		"sets":     strconv.Itoa(len(m.sets)),
		"capacity": strconv.Itoa(m.capacity),
	}, nil
}

// Len returns the number of values currently held, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Close drops all state.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.sets = make(map[string]map[string]struct{})
	return nil
}

func (m *Memory) expiredLocked(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

func (m *Memory) removeOldest() {
	elem := m.evictList.Back()
	if elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(m.items, entry.key)
}
