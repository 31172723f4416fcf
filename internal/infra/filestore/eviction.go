package filestore

import (
	"sort"
	"time"
)

// EvictExpired removes entries whose timestamp is before now-maxAge and
// returns their keys in timestamp order. ageFn reports false for entries
// that are not eligible for eviction, such as records still in flight.
func EvictExpired[K comparable, V any](items map[K]V, now time.Time, maxAge time.Duration, ageFn func(V) (time.Time, bool)) []K {
	cutoff := now.Add(-maxAge)

	type entry struct {
		key K
		ts  time.Time
	}
	var expired []entry
	for k, v := range items {
		ts, ok := ageFn(v)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		expired = append(expired, entry{key: k, ts: ts})
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ts.Before(expired[j].ts)
	})

	keys := make([]K, 0, len(expired))
	for _, e := range expired {
		delete(items, e.key)
		keys = append(keys, e.key)
	}
	return keys
}
