package storage

import (
	"encoding/binary"
	"encoding/json"
)

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
func decodeJSON(b []byte, v any) error  { return json.Unmarshal(b, v) }

func be64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

// keys: t:<pair>:<8-byte-bucket><8-byte-seq>
// Buckets are unix ms, so big-endian bytes sort in time order.
func tradePrefix(pair string) []byte { return []byte("t:" + pair + ":") }

func tradeKey(pair string, bucket int64, seq uint64) []byte {
	k := tradePrefix(pair)
	k = append(k, be64(uint64(bucket))...)
	return append(k, be64(seq)...)
}

func bucketBound(pair string, bucket int64) []byte {
	return append(tradePrefix(pair), be64(uint64(bucket))...)
}

func bucketOf(pair string, key []byte) int64 {
	off := len(tradePrefix(pair))
	return int64(binary.BigEndian.Uint64(key[off : off+8]))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
