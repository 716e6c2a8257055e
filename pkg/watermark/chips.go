package watermark

import (
	"crypto/sha256"
	"encoding/binary"
)

// chipTag keys the chip sequences. Changing it invalidates every embedded
// watermark, so it is versioned.
const chipTag = "lore-anchor/wm/v1"

// chipSequence derives the deterministic +-1 sequence for one payload bit.
// The sequence depends only on the tag and the bit index, never on the
// identifier, so extraction needs no side channel.
func chipSequence(bitIndex, n int) []int8 {
	chips := make([]int8, n)

	var seedInput [len(chipTag) + 4]byte
	copy(seedInput[:], chipTag)
	binary.BigEndian.PutUint32(seedInput[len(chipTag):], uint32(bitIndex))
	seed := sha256.Sum256(seedInput[:])

	var block [sha256.Size + 8]byte
	copy(block[:], seed[:])

	i := 0
	for counter := uint64(0); i < n; counter++ {
		binary.BigEndian.PutUint64(block[sha256.Size:], counter)
		digest := sha256.Sum256(block[:])
		for _, b := range digest {
			for bit := 0; bit < 8 && i < n; bit++ {
				if b&(1<<bit) != 0 {
					chips[i] = 1
				} else {
					chips[i] = -1
				}
				i++
			}
			if i >= n {
				break
			}
		}
	}
	return chips
}
