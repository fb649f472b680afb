package runqueue

import "github.com/cespare/xxhash/v2"

// JumpHash is Lamping and Veach's jump consistent hash. It returns a bucket
// in [0, numBuckets). Growing numBuckets by one moves about 1/(numBuckets+1)
// of keys, all of them into the new bucket.
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// JumpHashString hashes key with xxhash before bucketing it.
func JumpHashString(key string, numBuckets int) int {
	return JumpHash(xxhash.Sum64String(key), numBuckets)
}
