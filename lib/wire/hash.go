package wire

// NumBuckets is the number of buckets of the server's hash table
const NumBuckets = 256

// Hash is the djb2 string hash with 32 bit wrap around, as the server computes it
func Hash(key []byte) uint32 {
	h := uint32(5381)
	for _, c := range key {
		h = (h << 5) + h + uint32(c)
	}
	return h
}

// Bucket returns the bucket the server stores a key in
func Bucket(key []byte) uint8 {
	return uint8(Hash(key) & 0xff)
}

// BucketOf is Bucket for strings
func BucketOf(key string) uint8 {
	return Bucket([]byte(key))
}
