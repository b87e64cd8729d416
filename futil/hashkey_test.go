package futil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKeyIsStable(t *testing.T) {
	a := HashKey("br01")
	b := HashKey("br01")
	assert.Equal(t, a, b)
}

func TestHashKeyDiffersAcrossIds(t *testing.T) {
	assert.NotEqual(t, HashKey("br01"), HashKey("br02"))
}

func TestHashKeyFitsRegistryScoreRange(t *testing.T) {
	ids := []string{"br01", "br02", "a-long-broker-identifier", "", "1.2.3.4:6690"}
	for _, id := range ids {
		key := HashKey(id)
		assert.Less(t, key, uint64(maxSafeInteger), "hash key for %q must be below 2^53", id)
	}
}
