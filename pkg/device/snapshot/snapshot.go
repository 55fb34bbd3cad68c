// Package snapshot presents frames by saving them as image files.
package snapshot

import (
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

func New(fs afero.Fs, path string, logger *zap.Logger) *Snapshot {
	return &Snapshot{
		fs:     fs,
		path:   path,
		logger: logger.With(zap.String("via", "snapshot"), zap.String("path", path)),
	}
}

// Snapshot writes every presented frame to path, replacing the previous one.
// The format follows the file extension.
type Snapshot struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger
	count  int
}

func (s *Snapshot) Present(frame proto.Frame) error {
	format, err := imaging.FormatFromFilename(s.path)
	if err != nil {
		return errors.Wrapf(err, "snapshot %s", s.path)
	}

	f, err := s.fs.Create(s.path)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}

	if err := imaging.Encode(f, frame, format); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}

	s.count++
	s.logger.With(zap.Int("count", s.count)).Debug("saved")
	return nil
}

// Count returns how many frames were saved.
func (s *Snapshot) Count() int {
	return s.count
}
