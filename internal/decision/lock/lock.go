// Package lock serializes resolutions that touch the same contact
// identifiers. Two records arriving together with the same phone must not
// both decide "no candidates" and create twin entities; the second waits for
// the first decision to land.
package lock

import (
	"context"
	"sort"
)

// Keyed acquires an exclusive lock over a set of identifier keys and returns
// a release function. Implementations must tolerate duplicate keys and
// acquire in a deterministic order so two callers holding overlapping sets
// cannot deadlock.
type Keyed interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// sortedUnique normalizes a key set to deterministic acquisition order.
func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
