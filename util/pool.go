package util

import "sync"

// DatagramSize is the largest payload a single UDP read can return.
const DatagramSize = 64 * 1024

// BufPool provides reusable datagram-sized buffers for socket and queue
// reads, keeping the receive loops allocation-free.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DatagramSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it with
// [PutBuf] when finished and must not retain slices of it.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}
