package meter

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

const inputRegisterCount = 2

// ModbusReader reads cumulative totals from RS-485 energy meters using
// function code 4 (read input registers). One reader owns one serial bus;
// several devices share the bus, selected per read by slave address.
type ModbusReader struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// ModbusConfig describes the serial bus.
type ModbusConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// NewModbusReader opens the serial port and prepares an RTU client.
func NewModbusReader(cfg ModbusConfig) (*ModbusReader, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("meter: empty serial port")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 2400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("meter: open %s: %w", cfg.Port, err)
	}
	return &ModbusReader{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// ReadCumulative reads one channel's cumulative kWh total. Any transport
// failure is reported as ErrTransient; the device may simply be asleep or
// the bus busy, and the next cycle will retry.
func (r *ModbusReader) ReadCumulative(ch Channel) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handler.SlaveId = ch.DeviceAddress
	raw, err := r.client.ReadInputRegisters(ch.Register, inputRegisterCount)
	if err != nil {
		return 0, fmt.Errorf("%w: device=%d register=0x%04x: %v", ErrTransient, ch.DeviceAddress, ch.Register, err)
	}
	return decodeFloat32(raw)
}

// Close releases the serial port.
func (r *ModbusReader) Close() error {
	if r == nil || r.handler == nil {
		return nil
	}
	return r.handler.Close()
}
