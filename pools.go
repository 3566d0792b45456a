package hstore

import "sync"

// valueBytesPool holds scratch buffers that never outlive one encode call.
var valueBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}
