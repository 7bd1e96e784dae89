// Package msgcache keeps recently sent message payloads for protocol-level
// retransmission requests, and the ids of messages this service sent so that
// their echoes can be recognized.
package msgcache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMessageTTL = 30 * time.Minute
	DefaultSentTTL    = time.Minute
	DefaultSize       = 5000

	shardCount = 16
)

// Options configures a Cache. Zero fields take the defaults.
type Options struct {
	MessageTTL time.Duration
	SentTTL    time.Duration
	// Size bounds the number of entries of each kind held for one scope.
	// Scopes never evict each other's entries.
	Size int
}

// Payload is the result of a Lookup. Placeholder is set when the message was
// unknown or expired and Data is the empty stand-in.
type Payload struct {
	Data        []byte
	Placeholder bool
}

type key struct {
	scope string
	id    string
}

type shard struct {
	// consume makes check-and-delete on sent atomic.
	consume sync.Mutex
	// Both LRUs are unbounded; expiry is by TTL and size is enforced per
	// scope by quota.
	sent     *expirable.LRU[key, struct{}]
	messages *expirable.LRU[key, []byte]
}

// Cache is shared by every session in the process. Entries are spread over
// shards by (scope, id).
type Cache struct {
	shards     [shardCount]*shard
	size       int
	messageTTL time.Duration
	sentTTL    time.Duration
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.SentTTL <= 0 {
		opts.SentTTL = DefaultSentTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}

	c := &Cache{size: opts.Size, messageTTL: opts.MessageTTL, sentTTL: opts.SentTTL}
	for i := range c.shards {
		c.shards[i] = &shard{
			sent:     expirable.NewLRU[key, struct{}](0, nil, opts.SentTTL),
			messages: expirable.NewLRU[key, []byte](0, nil, opts.MessageTTL),
		}
	}
	return c
}

func (c *Cache) shardFor(k key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.id))
	return c.shards[h.Sum32()%shardCount]
}

// NewScope returns a fresh, empty view of the cache. Each session entry owns
// one scope for its whole life; a replaced entry's scope is simply never
// consulted again and its entries age out.
func (c *Cache) NewScope() *Scope {
	return &Scope{
		id:       uuid.NewString(),
		cache:    c,
		messages: quota{limit: c.size, ttl: c.messageTTL},
		sent:     quota{limit: c.size, ttl: c.sentTTL},
	}
}

// Scope is one session entry's partition of the cache.
type Scope struct {
	id       string
	cache    *Cache
	messages quota
	sent     quota
}

// ID identifies the scope; used in logs.
func (s *Scope) ID() string {
	return s.id
}

// Remember stores payload so a later retransmission request for id can be
// answered. Past the size bound the scope's oldest payload is dropped.
func (s *Scope) Remember(id string, payload []byte) {
	k := key{s.id, id}
	s.cache.shardFor(k).messages.Add(k, payload)
	for _, old := range s.messages.push(k) {
		s.cache.shardFor(old).messages.Remove(old)
	}
}

// Lookup returns the payload stored for id. It never reports absence: an
// unknown id yields an empty placeholder.
func (s *Scope) Lookup(id string) Payload {
	k := key{s.id, id}
	if data, ok := s.cache.shardFor(k).messages.Get(k); ok {
		return Payload{Data: data}
	}
	return Payload{Data: []byte{}, Placeholder: true}
}

// TrackSent marks id as produced by this service.
func (s *Scope) TrackSent(id string) {
	k := key{s.id, id}
	s.cache.shardFor(k).sent.Add(k, struct{}{})
	for _, old := range s.sent.push(k) {
		s.cache.shardFor(old).sent.Remove(old)
	}
}

// WasSentByUs reports whether id was tracked and not yet expired, and
// consumes the mark: a second call for the same id returns false.
func (s *Scope) WasSentByUs(id string) bool {
	k := key{s.id, id}
	sh := s.cache.shardFor(k)
	sh.consume.Lock()
	defer sh.consume.Unlock()
	if _, ok := sh.sent.Peek(k); !ok {
		return false
	}
	sh.sent.Remove(k)
	return true
}

type queued struct {
	k  key
	at time.Time
}

// quota is a scope's insertion order for one kind of entry. It never holds
// more than limit keys, and keys older than ttl are forgotten since the
// shard has expired them already.
type quota struct {
	mu    sync.Mutex
	limit int
	ttl   time.Duration
	order []queued
	head  int
}

// push records k and returns the keys that fall out of the bound.
func (q *quota) push(k key) []key {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for q.head < len(q.order) && now.Sub(q.order[q.head].at) >= q.ttl {
		q.head++
	}
	q.order = append(q.order, queued{k: k, at: now})

	var evicted []key
	for len(q.order)-q.head > q.limit {
		evicted = append(evicted, q.order[q.head].k)
		q.head++
	}
	if q.head > len(q.order)/2 {
		q.order = append(q.order[:0:0], q.order[q.head:]...)
		q.head = 0
	}
	return evicted
}
