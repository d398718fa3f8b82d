// services/scan/sysfs.go
package scan

import (
	"os"
	"path/filepath"
	"strings"
)

// node is one enumerated device path plus its USB identity, when sysfs
// exposes one.
type node struct {
	path    string
	vendor  string
	product string
}

// usbIdentity resolves idVendor/idProduct for a /dev node via the sysfs
// class tree. The attribute files sit on the USB interface's ancestor
// device, a varying number of levels up, so walk towards the root until
// both appear. Returns lowercase hex without the 0x prefix; ok=false when
// the node has no USB identity (plain UARTs, fixture trees in tests).
func usbIdentity(sysRoot, devPath string) (vendor, product string, ok bool) {
	base := filepath.Base(devPath)
	class := "tty"
	if strings.HasPrefix(base, "usbtmc") {
		class = "usbmisc"
	}
	dir := filepath.Join(sysRoot, "class", class, base, "device")
	for i := 0; i < 6; i++ {
		v, errV := sysfsAttr(dir + "/idVendor")
		p, errP := sysfsAttr(dir + "/idProduct")
		if errV == nil && errP == nil {
			return v, p, true
		}
		// Literal "..", not filepath.Join: Join cleans lexically, which
		// would cancel the "device" symlink instead of following it up
		// the real device tree.
		dir += "/.."
	}
	return "", "", false
}

func sysfsAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(b))), nil
}
