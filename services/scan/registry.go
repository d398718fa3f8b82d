// services/scan/registry.go
package scan

import (
	"regexp"

	"benchlab-go/drivers"
	"benchlab-go/drivers/korad"
	"benchlab-go/drivers/rigol"
	"benchlab-go/transport"
	"benchlab-go/types"
)

// Factory opens a transport on path and wraps it in a driver. The driver
// is not probed yet; the scanner does that and closes it on failure.
type Factory func(path string, serial types.SerialConfig) (drivers.Driver, error)

// Match describes which device nodes a factory claims: a USB identity
// read from sysfs, a path pattern, or both (either one suffices). USB
// ids are lowercase hex without the 0x prefix, as sysfs spells them.
type Match struct {
	VendorID    string
	ProductID   string
	PathPattern *regexp.Regexp
}

func (m Match) claims(n node) bool {
	if m.VendorID != "" && n.vendor == m.VendorID {
		if m.ProductID == "" || n.product == m.ProductID {
			return true
		}
	}
	return m.PathPattern != nil && m.PathPattern.MatchString(n.path)
}

type registration struct {
	name    string
	match   Match
	factory Factory
}

// Registry maps discovered device nodes to driver factories. First
// registration wins, so order specific matches before catch-alls.
type Registry struct {
	regs []registration
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(name string, m Match, f Factory) {
	r.regs = append(r.regs, registration{name: name, match: m, factory: f})
}

func (r *Registry) lookup(n node) (registration, bool) {
	for _, reg := range r.regs {
		if reg.match.claims(n) {
			return reg, true
		}
	}
	return registration{}, false
}

var (
	usbtmcPath = regexp.MustCompile(`^/dev/usbtmc[0-9]+$`)
	ttyPath    = regexp.MustCompile(`^/dev/tty(USB|ACM)[0-9]+$`)
)

// DefaultRegistry knows the supported bench instruments: Rigol DL3000
// loads on USB-TMC (Rigol's vendor id is 1ab1) and Korad KA-series
// supplies behind USB serial bridges. Korad units ship with assorted
// bridge chips, so they are claimed by path and sorted out by probe.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("rigol-dl3000", Match{VendorID: "1ab1", PathPattern: usbtmcPath},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			t, err := transport.OpenUSBTMC(path, serial.RequestTimeout())
			if err != nil {
				return nil, err
			}
			return rigol.New(t), nil
		})
	r.Register("korad-ka", Match{PathPattern: ttyPath},
		func(path string, serial types.SerialConfig) (drivers.Driver, error) {
			t, err := transport.OpenSerial(transport.SerialConfig{
				Path:           path,
				CommandDelay:   serial.CommandDelay(),
				RequestTimeout: serial.RequestTimeout(),
			})
			if err != nil {
				return nil, err
			}
			return korad.New(t), nil
		})
	return r
}
