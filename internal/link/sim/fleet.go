package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/smileynet/fairway/internal/link"
)

// serviceNamespace seeds the per-device service UUIDs so a fleet entry
// always advertises the same identifiers.
var serviceNamespace = uuid.MustParse("5b3c8a2e-7d41-4f0a-9c62-1e8f4d7a0b95")

// FleetFile is the on-disk shape of a simulated fleet.
type FleetFile struct {
	Peripherals []FleetEntry `yaml:"peripherals"`
}

// FleetEntry describes one simulated peripheral.
type FleetEntry struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	RSSI           int16    `yaml:"rssi"`
	Services       []string `yaml:"services"`
	FailConnect    bool     `yaml:"fail_connect"`
	FailDisconnect bool     `yaml:"fail_disconnect"`
}

// DeviceServiceUUID returns the deterministic service UUID of a simulated
// device's per-unit service.
func DeviceServiceUUID(id string) string {
	return uuid.NewSHA1(serviceNamespace, []byte(id)).String()
}

// LoadFleet reads a fleet file from fsys. Every device exposes
// controlService, the services listed for it, and its per-unit service.
func LoadFleet(fsys fs.FS, name, controlService string) ([]Device, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("sim: reading fleet: %w", err)
	}
	return ParseFleet(data, controlService)
}

// ParseFleet decodes fleet YAML into devices.
func ParseFleet(data []byte, controlService string) ([]Device, error) {
	var ff FleetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&ff); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("sim: parsing fleet: %w", err)
	}

	seen := make(map[string]bool, len(ff.Peripherals))
	devices := make([]Device, 0, len(ff.Peripherals))
	for i, e := range ff.Peripherals {
		if e.ID == "" {
			return nil, fmt.Errorf("sim: fleet entry %d: id is required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("sim: fleet entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true

		var services []link.ServiceDescriptor
		if controlService != "" {
			sd, err := link.ParseServiceUUID(controlService)
			if err != nil {
				return nil, fmt.Errorf("sim: control service: %w", err)
			}
			services = append(services, sd)
		}
		for _, s := range e.Services {
			sd, err := link.ParseServiceUUID(s)
			if err != nil {
				return nil, fmt.Errorf("sim: fleet entry %q: %w", e.ID, err)
			}
			services = append(services, sd)
		}
		services = append(services, link.ServiceDescriptor{UUID: DeviceServiceUUID(e.ID)})

		advertised := make([]string, len(services))
		for j, sd := range services {
			advertised[j] = sd.UUID
		}
		devices = append(devices, Device{
			Peripheral: link.Peripheral{
				ID:           e.ID,
				Name:         e.Name,
				RSSI:         e.RSSI,
				ServiceUUIDs: advertised,
			},
			Services:       services,
			FailConnect:    e.FailConnect,
			FailDisconnect: e.FailDisconnect,
		})
	}
	return devices, nil
}
