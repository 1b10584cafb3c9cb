package discovery

import (
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// PeerBook remembers recently seen peers. The least recently seen peer is
// evicted when the book is full.
type PeerBook struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

// NewPeerBook creates a book holding up to size peers
// (0 = DefaultPeerBookSize).
func NewPeerBook(size int) (*PeerBook, error) {
	if size <= 0 {
		size = DefaultPeerBookSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &PeerBook{cache: cache, now: time.Now}, nil
}

// Observe records p, merging its addresses with what is already known.
// It reports whether the peer is new to the book.
func (b *PeerBook) Observe(p Peer) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p.LastSeen = b.now()
	p.Addresses = slices.Clone(p.Addresses)
	if v, ok := b.cache.Get(p.PeerID); ok {
		existing := v.(Peer)
		p.Addresses = mergeAddresses(existing.Addresses, p.Addresses)
		b.cache.Add(p.PeerID, p)
		return p, false
	}
	b.cache.Add(p.PeerID, p)
	return p, true
}

// Forget removes addresses from a peer. The peer is dropped once no
// address remains; it reports whether that happened.
func (b *PeerBook) Forget(id secio.PeerID, addresses []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.cache.Peek(id)
	if !ok {
		return false
	}
	p := v.(Peer)
	p.Addresses = removeAddresses(p.Addresses, addresses)
	if len(p.Addresses) == 0 {
		b.cache.Remove(id)
		return true
	}
	b.cache.Add(id, p)
	return false
}

// Remove drops a peer.
func (b *PeerBook) Remove(id secio.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(id)
}

// Get returns a peer without refreshing its recency.
func (b *PeerBook) Get(id secio.PeerID) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.cache.Peek(id)
	if !ok {
		return Peer{}, false
	}
	return v.(Peer), true
}

// Peers returns all peers, most recently seen first.
func (b *PeerBook) Peers() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.cache.Keys()
	out := make([]Peer, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := b.cache.Peek(keys[i]); ok {
			out = append(out, v.(Peer))
		}
	}
	return out
}

// Len returns the number of peers.
func (b *PeerBook) Len() int {
	return b.cache.Len()
}

// mergeAddresses adds new addresses to existing, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, addr := range added {
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

// removeAddresses returns addresses without any in gone.
func removeAddresses(addresses, gone []string) []string {
	return slices.DeleteFunc(slices.Clone(addresses), func(a string) bool {
		return slices.Contains(gone, a)
	})
}
