package proto

// Partition describes one partition found on a mass-storage device.
type Partition struct {
	FirstLBA uint32
	Sectors  uint32
	Type     byte
}

// BlockDevice is the block access a filesystem needs from its backing store.
type BlockDevice interface {
	BlockSize() int
	ReadBlocks(dst []byte, lba uint32) error
	WriteBlocks(src []byte, lba uint32) error
}

type MassStorage interface {
	Open(dev Device) (Storage, error)
}

// Storage is an open mass-storage session.
type Storage interface {
	BlockDevice
	// FindPartitions fills table from the front and returns the number of
	// entries written, never more than len(table).
	FindPartitions(table []Partition) int
	Close() error
}
