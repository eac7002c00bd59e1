package exchange

import "fmt"

// Policy decides how a query uses the cache and the network.
type Policy string

const (
	// CacheFirst answers from the cache and fetches on a miss or partial
	// result.
	CacheFirst Policy = "cache-first"
	// CacheOnly never fetches.
	CacheOnly Policy = "cache-only"
	// NetworkOnly always fetches and writes the result.
	NetworkOnly Policy = "network-only"
	// CacheAndNetwork answers from the cache, marked stale, and refreshes
	// in the background. A miss fetches like CacheFirst.
	CacheAndNetwork Policy = "cache-and-network"
)

// ParsePolicy validates a policy name. The empty string is CacheFirst.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return CacheFirst, nil
	case CacheFirst, CacheOnly, NetworkOnly, CacheAndNetwork:
		return p, nil
	}
	return "", fmt.Errorf("exchange: unknown request policy %q", s)
}
