package virtiofwd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DeviceConfig is one VirtIO device declaration belonging to a VM, as
// described in §6: `{virtio_id, is_backend, device_type?,
// device_interrupt?, priority?, va?, size?}`.
type DeviceConfig struct {
	VirtioID        uint64 `toml:"virtio_id"`
	IsBackend       bool   `toml:"is_backend"`
	DeviceType      uint32 `toml:"device_type"`
	DeviceInterrupt uint32 `toml:"device_interrupt"`
	Priority        uint32 `toml:"priority"`
	VA              uint64 `toml:"va"`
	Size            uint64 `toml:"size"`
}

// PlatformConfig is the per-VM platform block: the backend-side
// interrupt and polling flag shared by all of a VM's backend
// declarations, plus its device list.
type PlatformConfig struct {
	VirtioInterrupt uint32         `toml:"virtio_interrupt"`
	VirtioPolling   bool           `toml:"virtio_polling"`
	Devices         []DeviceConfig `toml:"devices"`
}

// VMConfig is one entry in the static VM list.
type VMConfig struct {
	ID       int            `toml:"id"`
	Arch     string         `toml:"arch"`
	Platform PlatformConfig `toml:"platform"`
}

// TopologyConfig is the whole static configuration: the VM list plus
// per-platform VirtIO declarations (§6).
type TopologyConfig struct {
	VMs []VMConfig `toml:"vm"`
}

// LoadTopologyConfig reads and decodes a TOML topology file. Decode
// errors are returned as-is; pairing/capacity validation happens
// separately in NewRegistry so that every fault in one boot attempt can
// be collected into a single aggregate error.
func LoadTopologyConfig(path string) (*TopologyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("virtiofwd: reading topology config %s: %w", path, err)
	}
	var cfg TopologyConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("virtiofwd: parsing topology config %s: %w", path, err)
	}
	return &cfg, nil
}
