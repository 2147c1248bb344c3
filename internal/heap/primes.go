// Package heap implements the allocation map and mark-sweep collector
// core. It is internal: the stable surface lives in the congc package.
package heap

// ladder is the fixed, monotone sequence of allocation-map capacities.
// Every map in the process is sized to one of these 30 entries.
var ladder = [30]uint64{
	0, 1, 5, 11, 23, 53, 101, 197, 389, 683,
	1259, 2417, 4733, 9371, 18617, 37097, 74093, 148073, 296099, 592019,
	1100009, 2200013, 4400021, 8800019, 17600039, 35200091, 70400203, 140800427, 281600857, 563201731,
}

// Ideal returns the smallest ladder entry strictly greater than n,
// saturating at the top entry if n exceeds every entry.
func Ideal(n uint64) uint64 {
	for _, c := range ladder {
		if c > n {
			return c
		}
	}
	return ladder[len(ladder)-1]
}
