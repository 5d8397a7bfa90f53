package dali

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceConfig declares one gear in the device file.
type DeviceConfig struct {
	DeviceID     string `yaml:"device_id"`
	Name         string `yaml:"name"`
	ShortAddress int    `yaml:"short_address"`
}

// DeviceFile is the YAML device list:
//
//	devices:
//	  - device_id: light-hall
//	    name: Hall ceiling
//	    short_address: 3
type DeviceFile struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadDeviceFile reads and validates a device file.
func LoadDeviceFile(path string) (*DeviceFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the daemon config
	if err != nil {
		return nil, fmt.Errorf("reading device file: %w", err)
	}
	return ParseDeviceFile(data)
}

// ParseDeviceFile parses and validates device file content.
func ParseDeviceFile(data []byte) (*DeviceFile, error) {
	var f DeviceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing device file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids and short addresses are present and unique.
func (f *DeviceFile) Validate() error {
	var errs []string
	ids := make(map[string]int)
	addrs := make(map[int]string)

	for i, d := range f.Devices {
		if d.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d]: device_id is required", i))
		} else if strings.ContainsAny(d.DeviceID, "/+#") {
			errs = append(errs, fmt.Sprintf("devices[%d]: device_id %q must not contain MQTT topic characters", i, d.DeviceID))
		} else if prev, dup := ids[d.DeviceID]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d]: duplicate device_id %q (also devices[%d])", i, d.DeviceID, prev))
		} else {
			ids[d.DeviceID] = i
		}

		if d.ShortAddress < 0 || d.ShortAddress > MaxShortAddress {
			errs = append(errs, fmt.Sprintf("devices[%d]: short_address %d out of range 0-%d", i, d.ShortAddress, MaxShortAddress))
		} else if other, dup := addrs[d.ShortAddress]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d]: short_address %d already used by %q", i, d.ShortAddress, other))
		} else {
			addrs[d.ShortAddress] = d.DeviceID
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidDeviceFile, strings.Join(errs, "\n  - "))
	}
	return nil
}
