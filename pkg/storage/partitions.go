package storage

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/bringup"
	"usbview/pkg/proto"
	"usbview/pkg/status"
)

// MaxPartitions is the largest partition table a run will enumerate.
const MaxPartitions = 32

var (
	ErrCapacity     = errors.New("partition table capacity out of range")
	ErrFilled       = errors.New("partition table already filled")
	ErrOpen         = errors.New("failed opening msd")
	ErrNoPartitions = errors.New("no partitions found")
)

func NewPartitionTable(capacity int) (*PartitionTable, error) {
	if capacity < 1 || capacity > MaxPartitions {
		return nil, errors.Wrapf(ErrCapacity, "%d not in 1..%d", capacity, MaxPartitions)
	}
	return &PartitionTable{entries: make([]proto.Partition, capacity)}, nil
}

// PartitionTable is filled once by enumeration and read-only afterwards.
type PartitionTable struct {
	entries []proto.Partition
	count   int
	filled  bool
}

func (t *PartitionTable) Len() int {
	return t.count
}

func (t *PartitionTable) Cap() int {
	return len(t.entries)
}

func (t *PartitionTable) At(i int) proto.Partition {
	if i < 0 || i >= t.count {
		panic(fmt.Sprintf("partition index %d out of range [0,%d)", i, t.count))
	}
	return t.entries[i]
}

func (t *PartitionTable) fill(st proto.Storage) (int, error) {
	if t.filled {
		return 0, ErrFilled
	}
	n := st.FindPartitions(t.entries)
	if n > len(t.entries) {
		n = len(t.entries)
	}
	if n < 0 {
		n = 0
	}
	t.count = n
	t.filled = true
	return n, nil
}

func NewMounter(msd proto.MassStorage, console *status.Console, logger *zap.Logger) *Mounter {
	return &Mounter{
		msd:     msd,
		console: console,
		logger:  logger.With(zap.String("via", "storage")),
	}
}

type Mounter struct {
	msd     proto.MassStorage
	console *status.Console
	logger  *zap.Logger
}

// Mount opens mass storage on the session's device and enumerates its
// partitions into table. On success or on ErrNoPartitions the storage stays
// attached to sess and the caller must close it.
func (m *Mounter) Mount(sess *bringup.Session, table *PartitionTable) (int, error) {
	if sess.Device == nil {
		return 0, bringup.ErrNoDevice
	}

	st, err := m.msd.Open(sess.Device)
	if err != nil {
		m.console.Line("failed opening msd")
		return 0, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	if err := sess.AttachStorage(st); err != nil {
		_ = st.Close()
		return 0, err
	}

	m.console.Line("opened msd")

	n, err := table.fill(st)
	if err != nil {
		return 0, err
	}

	m.logger.With(zap.String("device", sess.Device.Name()), zap.Int("partitions", n)).Debug("enumerated")

	if n < 1 {
		m.console.Line("no partitions found")
		return 0, ErrNoPartitions
	}

	return n, nil
}
