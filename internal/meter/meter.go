package meter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTransient is returned when a device does not respond. Callers
	// substitute the previously known total; a transient fault never fails
	// the owning cycle.
	ErrTransient = errors.New("meter: device did not respond")
	// ErrBadReading is returned when a register read decodes to an
	// unusable value.
	ErrBadReading = errors.New("meter: unusable register value")
)

// Channel identifies one cumulative energy register on a physical device.
type Channel struct {
	DeviceAddress byte
	Register      uint16
}

// Reader reads a cumulative kWh total for a channel.
type Reader interface {
	ReadCumulative(ch Channel) (float64, error)
}

// decodeFloat32 interprets two consecutive 16-bit input registers as a
// big-endian IEEE-754 float32, the layout used by SDM-series meters.
func decodeFloat32(raw []byte) (float64, error) {
	if len(raw) != 4 {
		return 0, fmt.Errorf("%w: got %d bytes, want 4", ErrBadReading, len(raw))
	}
	value := math.Float32frombits(binary.BigEndian.Uint32(raw))
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return 0, fmt.Errorf("%w: non-finite float", ErrBadReading)
	}
	return float64(value), nil
}
