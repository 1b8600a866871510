package coldoc

import "sync"

// maxIndexKeyLen bounds the working buffer used to assemble index cell
// material. An index entry that does not fit fails with ErrIndexKeyTooLarge
// instead of growing without limit.
const maxIndexKeyLen = 65536

var indexBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, maxIndexKeyLen)
	},
}

func releaseIndexBytes(b []byte) {
	indexBytesPool.Put(b[:0])
}

var emptyIndexValue = []byte{}
