package submission

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultDedupSize bounds the dedup set; the oldest keys go first when full
const DefaultDedupSize = 1_000_000

// DedupSet remembers which derived keys were delivered within the retention window
type DedupSet struct {
	keys *expirable.LRU[uint64, struct{}]
}

// NewDedupSet creates a set holding at most size keys, each for ttl
func NewDedupSet(size int, ttl time.Duration) *DedupSet {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &DedupSet{keys: expirable.NewLRU[uint64, struct{}](size, nil, ttl)}
}

// Mark records key as delivered
func (d *DedupSet) Mark(key uint64) {
	d.keys.Add(key, struct{}{})
}

// Contains reports whether key was delivered and has not expired
func (d *DedupSet) Contains(key uint64) bool {
	return d.keys.Contains(key)
}

// Len returns the number of live keys
func (d *DedupSet) Len() int {
	return d.keys.Len()
}
