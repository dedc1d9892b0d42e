package sync

import (
	"encoding/binary"
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/spaolacci/murmur3"
)

// ring is a consistent hash ring over the indices [0, size)
type ring struct {
	hashRing *treemap.Map

	// minIndex caches the value of the min entry, since treemap.Map.Min() is
	// O(log n).
	minIndex int
}

// newRing returns a new consistent hash ring where every index has
// replicationFactor entries
func newRing(size int, replicationFactor uint) *ring {
	hashRing := treemap.NewWith(utils.Int64Comparator)
	for index := 0; index < size; index++ {
		seed, _ := murmur3.Sum128([]byte(fmt.Sprintf("stripe%d", index)))

		var buf [12]byte
		binary.LittleEndian.PutUint64(buf[:8], seed)
		for i := uint32(0); i < uint32(replicationFactor); i++ {
			binary.LittleEndian.PutUint32(buf[8:], i)
			hash, _ := murmur3.Sum128(buf[:])
			hashRing.Put(int64(hash), index)
		}
	}

	r := &ring{
		hashRing: hashRing,
	}
	if _, minIndex := hashRing.Min(); minIndex != nil {
		r.minIndex = minIndex.(int)
	}
	return r
}

// shard consistently hashes the key to an index
func (r *ring) shard(key []byte) int {
	raw, _ := murmur3.Sum128(key)
	if _, index := r.hashRing.Ceiling(int64(raw)); index != nil {
		return index.(int)
	}
	return r.minIndex
}
