package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for device records.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(uuid string) (*Device, error)
	DeleteDevice(uuid string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(uuid string, fn func(dev *Device) error) error

	Close() error
}
