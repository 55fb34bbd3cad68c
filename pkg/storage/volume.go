package storage

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/proto"
	"usbview/pkg/status"
)

var ErrNoSuitablePartition = errors.New("no suitable partitions")

func NewVolumeOpener(fs proto.Filesystem, console *status.Console, logger *zap.Logger) *VolumeOpener {
	return &VolumeOpener{
		fs:      fs,
		console: console,
		logger:  logger.With(zap.String("via", "volume")),
	}
}

type VolumeOpener struct {
	fs      proto.Filesystem
	console *status.Console
	logger  *zap.Logger
}

// Open probes partitions in index order and returns the first volume that
// opens, with its index. Later partitions are never touched.
func (o *VolumeOpener) Open(dev proto.BlockDevice, table *PartitionTable) (proto.Volume, int, error) {
	for i := 0; i < table.Len(); i++ {
		p := table.At(i)

		vol, err := o.fs.Open(dev, p.FirstLBA)
		if err == nil {
			o.console.Linef("opened fat partition %d", i)
			return vol, i, nil
		}

		o.logger.With(
			zap.Int("partition", i),
			zap.Uint32("lba", p.FirstLBA),
			zap.Error(err),
		).Debug("not mountable")
	}

	o.console.Line("no suitable partitions")
	return nil, -1, ErrNoSuitablePartition
}
