package proto

type OpenFlags uint8

const (
	OpenRead OpenFlags = 0
)

type Filesystem interface {
	Open(dev BlockDevice, baseLBA uint32) (Volume, error)
}

type Volume interface {
	OpenFile(path string, flags OpenFlags) (File, error)
	Close() error
}

// File is an open file on a Volume. It is released when its Volume closes.
type File interface {
	Size() uint32
	// Read reads up to blocks whole blocks from the current position into dst
	// and returns the number of blocks consumed. Bytes beyond len(dst) are
	// discarded.
	Read(blocks uint32, dst []byte) (int, error)
}
