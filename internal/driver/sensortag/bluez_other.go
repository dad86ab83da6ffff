//go:build !linux

package sensortag

import "errors"

// BlueZAdapter is only available on Linux
type BlueZAdapter struct{}

// NewBlueZAdapter reports that no Bluetooth backend exists on this platform
func NewBlueZAdapter() (*BlueZAdapter, error) {
	return nil, errors.New("bluetooth sensors require Linux with BlueZ")
}

// Device implements Adapter
func (b *BlueZAdapter) Device(address string) (Device, error) {
	return nil, errors.New("bluetooth sensors require Linux with BlueZ")
}
