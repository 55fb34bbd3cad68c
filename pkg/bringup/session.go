package bringup

import (
	"github.com/pkg/errors"

	"usbview/pkg/proto"
)

var ErrNoDevice = errors.New("no usb device")

// Session is the device state shared by bring-up and the storage stages.
// The storage handle is only ever set while Device is non-nil.
type Session struct {
	Device  proto.Device
	storage proto.Storage
}

func (s *Session) Storage() proto.Storage {
	return s.storage
}

func (s *Session) AttachStorage(st proto.Storage) error {
	if s.Device == nil {
		return ErrNoDevice
	}
	s.storage = st
	return nil
}

// CloseStorage closes the storage handle if one is open.
func (s *Session) CloseStorage() error {
	if s.storage == nil {
		return nil
	}
	st := s.storage
	s.storage = nil
	return st.Close()
}

// Detach closes open storage first, then forgets the device.
func (s *Session) Detach() error {
	err := s.CloseStorage()
	s.Device = nil
	return err
}
