package consolidate

// Partition splits keys into contiguous chunks of at most size keys, in
// order. Every key lands in exactly one chunk. A size below 1 uses
// DefaultChunkSize.
func Partition(keys []string, size int) [][]string {
	if size < 1 {
		size = DefaultChunkSize
	}
	if len(keys) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunks = append(chunks, keys[start:end:end])
	}
	return chunks
}
