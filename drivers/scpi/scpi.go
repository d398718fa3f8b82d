// Package scpi has the string plumbing shared by SCPI-speaking drivers:
// numeric parsing with the IEEE-488.2 overflow sentinel, boolean and *IDN?
// parsing, and value formatting for set commands.
package scpi

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// Instruments report 9.9E37 when a reading is out of range.
const overflowSentinel = 9.9e37

// Errors returned by strict parses.
var (
	ErrOverflow = errors.New("scpi: overflow sentinel")
	ErrInvalid  = errors.New("scpi: invalid reading")
)

// ParseFloat parses a numeric response strictly: the overflow sentinel and
// the "****" display-overrange marker are errors, as is anything
// non-numeric or non-finite.
func ParseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "*") {
		return 0, ErrInvalid
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrInvalid
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalid
	}
	if math.Abs(v) >= overflowSentinel {
		return 0, ErrOverflow
	}
	return v, nil
}

// ParseFloatOr is the lenient form: any parse failure yields def.
func ParseFloatOr(s string, def float64) float64 {
	v, err := ParseFloat(s)
	if err != nil {
		return def
	}
	return v
}

// ParseBool accepts the 0/1 and OFF/ON spellings instruments use.
func ParseBool(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	}
	return false, ErrInvalid
}

// OnOff renders a boolean the way set commands want it.
func OnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// IDN is a parsed *IDN? response.
type IDN struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

// ParseIDN splits the standard four-field comma response. Instruments that
// omit trailing fields still parse; fewer than two fields is an error.
func ParseIDN(s string) (IDN, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 {
		return IDN{}, ErrInvalid
	}
	idn := IDN{
		Manufacturer: strings.TrimSpace(parts[0]),
		Model:        strings.TrimSpace(parts[1]),
	}
	if len(parts) > 2 {
		idn.Serial = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		idn.Firmware = strings.TrimSpace(parts[3])
	}
	if idn.Manufacturer == "" || idn.Model == "" {
		return IDN{}, ErrInvalid
	}
	return idn, nil
}

// FormatValue renders a setpoint with the channel's decimal places.
func FormatValue(v float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
