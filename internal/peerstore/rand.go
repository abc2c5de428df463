package peerstore

import (
	"crypto/rand"
	"math/big"
)

// pseudoRandIndex returns a uniformly random int in [0, n) using
// crypto/rand; peer selection never rides on math/rand.
func pseudoRandIndex(n int) int {
	if n <= 1 {
		return 0
	}
	i, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(i.Int64())
}
