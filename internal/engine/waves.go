package engine

import (
	"math/rand"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

// PartitionGroups shuffles the groups once and slices them into at most n
// contiguous waves of ceiling size. Every group lands in exactly one wave.
// Spreading groups randomly across waves keeps the load on any single logical
// source even instead of draining one source before starting the next.
func PartitionGroups(groups []domain.Group, n int, rng *rand.Rand) [][]domain.Group {
	if len(groups) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}

	shuffled := make([]domain.Group, len(groups))
	copy(shuffled, groups)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	size := (len(shuffled) + n - 1) / n
	waves := make([][]domain.Group, 0, n)
	for start := 0; start < len(shuffled); start += size {
		end := start + size
		if end > len(shuffled) {
			end = len(shuffled)
		}
		waves = append(waves, shuffled[start:end])
	}
	return waves
}
