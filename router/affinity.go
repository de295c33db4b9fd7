// AffinityIndex maps previously seen prompt prefixes to the endpoints
// that served them. Inserts mark every node along the key path, so any
// request sharing a prefix finds the association at the divergence point.
// Locking is per node; readers and the writer for an unrelated key path
// never contend on a shared lock.
//
// Endpoint removal is handled lazily: lookups filter against the caller's
// live set, and a periodic compaction pass prunes entries for departed
// endpoints, expired entries, and emptied subtrees.

package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type trieNode struct {
	mu        sync.RWMutex
	children  map[rune]*trieNode
	endpoints map[string]time.Time // URL -> last insert, for recency expiry
}

func newTrieNode() *trieNode {
	return &trieNode{
		children:  make(map[rune]*trieNode),
		endpoints: make(map[string]time.Time),
	}
}

// AffinityIndex is the prefix-matching structure shared by the prefix and
// cache affinity strategies.
type AffinityIndex struct {
	root        *trieNode
	maxKeyRunes int
	entryTTL    time.Duration
}

// NewAffinityIndex builds an empty index. maxKeyRunes caps the indexed
// prefix length; entryTTL bounds how long an association is trusted.
func NewAffinityIndex(maxKeyRunes int, entryTTL time.Duration) *AffinityIndex {
	return &AffinityIndex{
		root:        newTrieNode(),
		maxKeyRunes: maxKeyRunes,
		entryTTL:    entryTTL,
	}
}

// affinityKey namespaces a prompt by model so identical prompts for
// different models never share a prefix path.
func affinityKey(model, prompt string) string {
	return model + "\x1f" + prompt
}

// Insert records that endpoint url served key, refreshing the association
// along the whole key path.
func (ix *AffinityIndex) Insert(key, url string) {
	key = truncateRunes(key, ix.maxKeyRunes)
	now := time.Now()
	node := ix.root
	for _, r := range key {
		node.mu.Lock()
		child, ok := node.children[r]
		if !ok {
			child = newTrieNode()
			node.children[r] = child
		}
		node.mu.Unlock()

		child.mu.Lock()
		child.endpoints[url] = now
		child.mu.Unlock()
		node = child
	}
}

// LongestPrefixMatch returns the endpoints attached to the deepest node
// reached while consuming key, filtered to the live set. Because inserts
// mark whole paths, a node's live set can only shrink with depth, so the
// deepest non-empty set is the longest prefix still backed by a live
// endpoint. Empty result means no affinity: any endpoint is eligible.
func (ix *AffinityIndex) LongestPrefixMatch(key string, live map[string]struct{}) []string {
	key = truncateRunes(key, ix.maxKeyRunes)
	now := time.Now()
	var best []string
	node := ix.root
	for _, r := range key {
		node.mu.RLock()
		child, ok := node.children[r]
		node.mu.RUnlock()
		if !ok {
			break
		}

		child.mu.RLock()
		var alive []string
		for url, at := range child.endpoints {
			if _, ok := live[url]; !ok {
				continue
			}
			if ix.entryTTL > 0 && now.Sub(at) > ix.entryTTL {
				continue
			}
			alive = append(alive, url)
		}
		child.mu.RUnlock()

		if len(alive) > 0 {
			best = alive
		}
		node = child
	}
	sort.Strings(best)
	return best
}

// Compact prunes entries for endpoints outside live, expired entries, and
// subtrees left empty by the pruning. An insert racing a compaction can
// mark a node just unlinked; the index is advisory, so a lost association
// only costs one cache miss.
func (ix *AffinityIndex) Compact(live map[string]struct{}) {
	ix.compactNode(ix.root, live, time.Now())
}

func (ix *AffinityIndex) compactNode(n *trieNode, live map[string]struct{}, now time.Time) bool {
	n.mu.Lock()
	for url, at := range n.endpoints {
		_, alive := live[url]
		if !alive || (ix.entryTTL > 0 && now.Sub(at) > ix.entryTTL) {
			delete(n.endpoints, url)
		}
	}
	children := make(map[rune]*trieNode, len(n.children))
	for r, c := range n.children {
		children[r] = c
	}
	n.mu.Unlock()

	for r, c := range children {
		if !ix.compactNode(c, live, now) {
			continue
		}
		n.mu.Lock()
		if cur, ok := n.children[r]; ok && cur == c {
			c.mu.RLock()
			empty := len(c.children) == 0 && len(c.endpoints) == 0
			c.mu.RUnlock()
			if empty {
				delete(n.children, r)
			}
		}
		n.mu.Unlock()
	}

	n.mu.RLock()
	empty := len(n.children) == 0 && len(n.endpoints) == 0
	n.mu.RUnlock()
	return empty
}

// RunCompaction compacts on a fixed cadence until ctx is cancelled.
// liveFn supplies the registry's current endpoint set per pass.
func (ix *AffinityIndex) RunCompaction(ctx context.Context, interval time.Duration, liveFn func() map[string]struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			ix.Compact(liveFn())
			logrus.Debugf("affinity index compaction took %s", time.Since(start))
		}
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
