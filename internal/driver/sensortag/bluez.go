//go:build linux

package sensortag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BlueZAdapter resolves SensorTags through the host's BlueZ stack
type BlueZAdapter struct {
	adapter *bluetooth.Adapter
}

// NewBlueZAdapter enables the default Bluetooth adapter
func NewBlueZAdapter() (*BlueZAdapter, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &BlueZAdapter{adapter: adapter}, nil
}

// Device implements Adapter
func (b *BlueZAdapter) Device(address string) (Device, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return &bleDevice{adapter: b.adapter, address: addr}, nil
}

// parseAddress turns "AA:BB:CC:DD:EE:FF" into a BlueZ address
func parseAddress(s string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid Bluetooth address %q: %w", s, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

type bleDevice struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address

	mu       sync.Mutex
	device   bluetooth.Device
	services map[string]*bleService
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// Connect implements Device. BlueZ connects without a context, so a connection
// that completes after ctx ended is dropped again.
func (d *bleDevice) Connect(ctx context.Context) error {
	done := make(chan connectResult, 1)
	go func() {
		dev, err := d.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		done <- connectResult{device: dev, err: err}
	}()

	var res connectResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}

	services, err := discover(res.device)
	if err != nil {
		_ = res.device.Disconnect()
		return err
	}

	d.mu.Lock()
	d.device = res.device
	d.services = services
	d.mu.Unlock()
	return nil
}

// discover indexes every service and characteristic by lower-case UUID
func discover(dev bluetooth.Device) (map[string]*bleService, error) {
	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	services := make(map[string]*bleService, len(svcs))
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID(), err)
		}
		s := &bleService{chars: make(map[string]bluetooth.DeviceCharacteristic, len(chars))}
		for _, c := range chars {
			s.chars[strings.ToLower(c.UUID().String())] = c
		}
		services[strings.ToLower(svc.UUID().String())] = s
	}
	return services, nil
}

// Disconnect implements Device
func (d *bleDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.services == nil {
		return nil
	}
	d.services = nil
	return d.device.Disconnect()
}

// Service implements Device
func (d *bleDevice) Service(uuid string) (Service, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.services[strings.ToLower(uuid)]
	return s, ok
}

type bleService struct {
	chars map[string]bluetooth.DeviceCharacteristic
}

// Characteristic implements Service
func (s *bleService) Characteristic(uuid string) (Characteristic, bool) {
	c, ok := s.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, false
	}
	return &bleCharacteristic{c: c}, true
}

type bleCharacteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (b *bleCharacteristic) WriteValue(value []byte) error {
	_, err := b.c.Write(value)
	return err
}

func (b *bleCharacteristic) EnableNotifications(fn func(value []byte)) error {
	return b.c.EnableNotifications(fn)
}

// DisableNotifications stops the notify session; BlueZ does so for a nil callback
func (b *bleCharacteristic) DisableNotifications() error {
	return b.c.EnableNotifications(nil)
}
