// Package sensortag drives a TI CC2650 SensorTag through an abstract GATT transport.
//
// The driver arms four measurement services (IR temperature, humidity,
// barometer, optical). Activation is all-or-nothing: if any service cannot be
// armed the device is disconnected and Connect reports failure.
package sensortag

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"sensormon/internal/driver"
	"sensormon/internal/sensor"
)

// Type is the sensor type served by this driver
const Type sensor.Type = "sensortag"

// Characteristic is a GATT characteristic
type Characteristic interface {
	WriteValue(value []byte) error
	EnableNotifications(fn func(value []byte)) error
	DisableNotifications() error
}

// Service is a GATT primary service
type Service interface {
	Characteristic(uuid string) (Characteristic, bool)
}

// Device is a connectable GATT peripheral
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Service(uuid string) (Service, bool)
}

// Adapter resolves a device by its Bluetooth address
type Adapter interface {
	Device(address string) (Device, error)
}

// uuid builds a SensorTag vendor UUID from its 16-bit short form
func uuid(short uint16) string {
	return fmt.Sprintf("f000%04x-0451-4000-b000-000000000000", short)
}

// channel describes one measurement service
type channel struct {
	name    string
	service uint16
	data    uint16
	config  uint16
	period  uint16
	decode  func(raw []byte) (map[string]float64, bool)
}

var channels = []channel{
	{name: "temperature", service: 0xaa00, data: 0xaa01, config: 0xaa02, period: 0xaa03, decode: decodeIRTemperature},
	{name: "humidity", service: 0xaa20, data: 0xaa21, config: 0xaa22, period: 0xaa23, decode: decodeHumidity},
	{name: "barometer", service: 0xaa40, data: 0xaa41, config: 0xaa42, period: 0xaa44, decode: decodeBarometer},
	{name: "optical", service: 0xaa70, data: 0xaa71, config: 0xaa72, period: 0xaa73, decode: decodeOptical},
}

// Descriptor returns the static metadata of the SensorTag
func Descriptor() sensor.Descriptor {
	return sensor.Descriptor{
		Type:        Type,
		Name:        "TI SensorTag CC2650",
		Description: "Bluetooth LE environmental probe (temperature, humidity, pressure, light)",
		Channels:    []string{"object_temperature", "ambient_temperature", "humidity", "pressure", "lux"},
		Parameters: []sensor.ParameterSpec{
			{Name: "address", Kind: sensor.KindString, Required: true, Description: "Bluetooth MAC address"},
			{Name: "period", Kind: sensor.KindNumber, Default: 1.0, Description: "Notification period in seconds (0.1-2.55)"},
		},
	}
}

// Tag is a SensorTag driver
type Tag struct {
	driver.Stream

	mu      sync.Mutex
	id      string
	address string
	period  byte // units of 10ms
	adapter Adapter
	logger  *log.Logger

	device  Device
	enabled []Characteristic

	emitMu sync.Mutex
	lastTS time.Time
}

// Builder returns a driver.BuildFunc resolving devices through adapter
func Builder(adapter Adapter, logger *log.Logger) driver.BuildFunc {
	return func(cfg sensor.Config) (driver.Driver, error) {
		if adapter == nil {
			return nil, fmt.Errorf("no Bluetooth adapter available")
		}

		address := cfg.StringParam("address", "")
		if address == "" {
			return nil, fmt.Errorf("address is required")
		}

		period := cfg.NumberParam("period", 1)
		if period < 0.1 || period > 2.55 {
			return nil, fmt.Errorf("period must be between 0.1 and 2.55 seconds")
		}

		return &Tag{
			id:      cfg.ID,
			address: address,
			period:  byte(math.Round(period * 100)),
			adapter: adapter,
			logger:  logger,
		}, nil
	}
}

// Connect implements driver.Driver
func (t *Tag) Connect(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Active() {
		return true
	}

	device, err := t.adapter.Device(t.address)
	if err != nil {
		t.logf("Device lookup failed: %v", err)
		return false
	}
	if err := device.Connect(ctx); err != nil {
		t.logf("Connect failed: %v", err)
		return false
	}

	t.device = device
	t.enabled = t.enabled[:0]
	t.Open()

	for _, ch := range channels {
		if err := t.arm(ch); err != nil {
			t.logf("Could not arm %s: %v", ch.name, err)
			t.teardown()
			return false
		}
		if ctx.Err() != nil {
			t.teardown()
			return false
		}
	}
	return true
}

// Disconnect implements driver.Driver
func (t *Tag) Disconnect(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Active() {
		return true
	}
	return t.teardown()
}

// arm enables one measurement service: period, enable flag, then notifications
func (t *Tag) arm(ch channel) error {
	svc, ok := t.device.Service(uuid(ch.service))
	if !ok {
		return fmt.Errorf("service %s not found", uuid(ch.service))
	}

	value, okV := svc.Characteristic(uuid(ch.data))
	config, okC := svc.Characteristic(uuid(ch.config))
	period, okP := svc.Characteristic(uuid(ch.period))
	if !okV || !okC || !okP {
		return fmt.Errorf("characteristics missing")
	}

	if err := period.WriteValue([]byte{t.period}); err != nil {
		return fmt.Errorf("write period: %w", err)
	}
	if err := config.WriteValue([]byte{0x01}); err != nil {
		return fmt.Errorf("enable: %w", err)
	}

	decode := ch.decode
	if err := value.EnableNotifications(func(raw []byte) {
		if values, ok := decode(raw); ok {
			t.emit(values)
		}
	}); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}

	t.enabled = append(t.enabled, value)
	return nil
}

// teardown closes the stream, disables notifications and disconnects the device
func (t *Tag) teardown() bool {
	t.Close()

	ok := true
	for _, c := range t.enabled {
		if err := c.DisableNotifications(); err != nil {
			ok = false
		}
	}
	t.enabled = t.enabled[:0]

	if t.device != nil {
		if err := t.device.Disconnect(); err != nil {
			t.logf("Disconnect failed: %v", err)
			ok = false
		}
		t.device = nil
	}
	return ok
}

// emit serializes notifications of all channels so timestamps never go backwards
func (t *Tag) emit(values map[string]float64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := time.Now()
	if now.Before(t.lastTS) {
		now = t.lastTS
	}
	t.lastTS = now
	t.Emit(sensor.Reading{SensorID: t.id, Timestamp: now, Values: values})
}

func (t *Tag) logf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf("[sensortag %s] "+format, append([]interface{}{t.address}, v...)...)
	}
}

// decodeIRTemperature decodes the TMP007 payload: object and ambient, 14-bit, 0.03125 °C/LSB
func decodeIRTemperature(raw []byte) (map[string]float64, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	obj := binary.LittleEndian.Uint16(raw[0:2])
	amb := binary.LittleEndian.Uint16(raw[2:4])
	return map[string]float64{
		"object_temperature":  float64(obj>>2) * 0.03125,
		"ambient_temperature": float64(amb>>2) * 0.03125,
	}, true
}

// decodeHumidity decodes the HDC1000 payload; only relative humidity is reported
func decodeHumidity(raw []byte) (map[string]float64, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	hum := binary.LittleEndian.Uint16(raw[2:4]) &^ 0x0003
	return map[string]float64{
		"humidity": float64(hum) / 65536.0 * 100.0,
	}, true
}

// decodeBarometer decodes the BMP280 payload: 24-bit temperature and pressure in hundredths
func decodeBarometer(raw []byte) (map[string]float64, bool) {
	if len(raw) < 6 {
		return nil, false
	}
	pressure := uint32(raw[3]) | uint32(raw[4])<<8 | uint32(raw[5])<<16
	return map[string]float64{
		"pressure": float64(pressure) / 100.0,
	}, true
}

// decodeOptical decodes the OPT3001 payload: 12-bit mantissa, 4-bit exponent
func decodeOptical(raw []byte) (map[string]float64, bool) {
	if len(raw) < 2 {
		return nil, false
	}
	v := binary.LittleEndian.Uint16(raw[0:2])
	m := float64(v & 0x0fff)
	e := float64((v & 0xf000) >> 12)
	return map[string]float64{
		"lux": m * 0.01 * math.Pow(2, e),
	}, true
}
