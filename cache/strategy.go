package cache

import (
	"fmt"
	"sort"
)

// EntryInfo is the bookkeeping view of one entry handed to a Strategy.
// Strategies see metadata only, never values.
type EntryInfo struct {
	Key          string
	CreatedAt    int64 // unix nanos
	LastAccessed int64 // unix nanos
	AccessCount  uint64
	Seq          uint64 // insertion order, monotonically increasing
	Expired      bool
}

// Strategy selects eviction victims when the cache exceeds its entry limit.
// Exactly one strategy is active per cache.
type Strategy interface {
	// Name identifies the strategy in stats and logs.
	Name() string

	// Victims returns up to n keys to evict, most evictable first.
	Victims(entries []EntryInfo, n int) []string
}

// StrategyFor returns the strategy for a configuration name: "lru", "lfu" or
// "ttl".
func StrategyFor(name string) (Strategy, error) {
	switch name {
	case "lru":
		return LRU{}, nil
	case "lfu":
		return LFU{}, nil
	case "ttl":
		return TTLFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction strategy %q", name)
	}
}

// LRU evicts the entries least recently accessed, ties broken by insertion
// order so the ordering is stable.
type LRU struct{}

func (LRU) Name() string { return "lru" }

func (LRU) Victims(entries []EntryInfo, n int) []string {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastAccessed != entries[j].LastAccessed {
			return entries[i].LastAccessed < entries[j].LastAccessed
		}
		return entries[i].Seq < entries[j].Seq
	})
	return takeKeys(entries, n)
}

// LFU evicts the entries with the lowest access count, ties broken by last
// access time ascending.
type LFU struct{}

func (LFU) Name() string { return "lfu" }

func (LFU) Victims(entries []EntryInfo, n int) []string {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AccessCount != entries[j].AccessCount {
			return entries[i].AccessCount < entries[j].AccessCount
		}
		return entries[i].LastAccessed < entries[j].LastAccessed
	})
	return takeKeys(entries, n)
}

// TTLFirst evicts already-expired entries first; if the quota is not met by
// expired entries alone it falls back to the oldest entries by creation time.
type TTLFirst struct{}

func (TTLFirst) Name() string { return "ttl" }

func (TTLFirst) Victims(entries []EntryInfo, n int) []string {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Expired != entries[j].Expired {
			return entries[i].Expired
		}
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt < entries[j].CreatedAt
		}
		return entries[i].Seq < entries[j].Seq
	})
	return takeKeys(entries, n)
}

func takeKeys(entries []EntryInfo, n int) []string {
	if n > len(entries) {
		n = len(entries)
	}
	keys := make([]string, 0, n)
	for _, e := range entries[:n] {
		keys = append(keys, e.Key)
	}
	return keys
}
