// Package reading decodes sensor datagrams into fixed-arity readings.
//
// A datagram is a single line of UTF-8 text carrying eight comma-separated
// fields in a fixed order:
//
//	device_ms,accel_x,accel_y,accel_z,gyro_x,gyro_y,gyro_z,intensity
//
// Decoding is all-or-nothing: either every field parses and a Reading is
// returned, or ErrMalformedPayload is returned and nothing else.
package reading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Arity is the number of fields in every datagram.
const Arity = 8

// fieldSeparator separates fields on the wire.
const fieldSeparator = ","

// ErrMalformedPayload is returned for any datagram that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// columns names the reading fields as they appear in persisted files.
var columns = [Arity]string{
	"ESP_ms",
	"AccelX", "AccelY", "AccelZ",
	"GyroX", "GyroY", "GyroZ",
	"IR",
}

// Reading is one decoded datagram.
type Reading struct {
	// DeviceMS is the sender's millisecond clock.
	DeviceMS int64 `json:"device_ms"`

	// Accel is the three-axis acceleration (x, y, z).
	Accel [3]float64 `json:"accel"`

	// Gyro is the three-axis angular rate (x, y, z).
	Gyro [3]float64 `json:"gyro"`

	// Intensity is the auxiliary optical intensity (IR channel).
	Intensity float64 `json:"intensity"`

	// text holds each field as the device sent it, trimmed.
	text [Arity]string
}

// Header returns the reading column names in wire order.
func Header() []string {
	out := make([]string, Arity)
	copy(out, columns[:])
	return out
}

// Decode parses a raw datagram.
func Decode(payload []byte) (Reading, error) {
	if !utf8.Valid(payload) {
		return Reading{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedPayload)
	}

	parts := strings.Split(strings.TrimSpace(string(payload)), fieldSeparator)
	if len(parts) != Arity {
		return Reading{}, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedPayload, len(parts), Arity)
	}

	var r Reading
	for i, p := range parts {
		r.text[i] = strings.TrimSpace(p)
	}

	ms, err := strconv.ParseInt(r.text[0], 10, 64)
	if err != nil {
		return Reading{}, fieldError(0, r.text[0])
	}
	r.DeviceMS = ms

	floats := make([]float64, Arity-1)
	for i := 1; i < Arity; i++ {
		v, err := strconv.ParseFloat(r.text[i], 64)
		if err != nil {
			return Reading{}, fieldError(i, r.text[i])
		}
		floats[i-1] = v
	}
	copy(r.Accel[:], floats[0:3])
	copy(r.Gyro[:], floats[3:6])
	r.Intensity = floats[6]

	return r, nil
}

// Fields returns the field texts in wire order. Readings built in code
// rather than decoded get a canonical rendering of their values.
func (r Reading) Fields() []string {
	if r.text[0] != "" {
		out := make([]string, Arity)
		copy(out, r.text[:])
		return out
	}
	return []string{
		strconv.FormatInt(r.DeviceMS, 10),
		formatFloat(r.Accel[0]), formatFloat(r.Accel[1]), formatFloat(r.Accel[2]),
		formatFloat(r.Gyro[0]), formatFloat(r.Gyro[1]), formatFloat(r.Gyro[2]),
		formatFloat(r.Intensity),
	}
}

// Equal reports whether two readings carry the same numeric values.
func (r Reading) Equal(o Reading) bool {
	return r.DeviceMS == o.DeviceMS &&
		r.Accel == o.Accel &&
		r.Gyro == o.Gyro &&
		r.Intensity == o.Intensity
}

func fieldError(i int, text string) error {
	return fmt.Errorf("%w: field %s=%q is not numeric", ErrMalformedPayload, columns[i], text)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
