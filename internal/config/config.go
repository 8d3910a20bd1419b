// Package config is the drive's persistent configuration (spec.md §5, §6.4,
// §8): device address, JiffyDOS enable, OSCCAL trim, and the partition
// roots mounted at boot. Grounded on the teacher's Default/Load/Validate
// shape (JSON file on disk, validated and defaulted on load) and its use
// of github.com/xyproto/env/v2 for environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/env/v2"
)

// PartitionConfig describes one partition mounted at boot (spec.md §3:
// "N mountable partitions, numbered 0..N-1").
type PartitionConfig struct {
	// Path is either a directory (mounted as a FAT passthrough partition)
	// or a .d64/.d71/.d81/.m2i image file.
	Path string `json:"path"`
	// Label/ID seed the "$" listing header for FAT partitions; D64/D71/D81
	// images carry their own on-disk label and ignore these.
	Label string `json:"label,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Config is the drive's full configuration, loaded from JSON and
// overridable via environment variables (spec.md §6.4's "EEPROM"
// collaborator models DeviceAddress/JiffyEnabled/OSCCALTrim as the
// persisted subset of this struct).
type Config struct {
	// DeviceAddress is the IEC bus primary address, 4..30 (spec.md §4.2).
	DeviceAddress int `json:"device_address"`

	// JiffyEnabled arms JiffyDOS byte-timing detection (spec.md §4.2/§8's
	// 218µs detection window); jumper- or U0>-configurable on hardware.
	JiffyEnabled bool `json:"jiffy_enabled"`

	// OSCCALTrim is the AVR OSCCAL register trim value the EEPROM
	// collaborator persists alongside DeviceAddress/JiffyEnabled (spec.md
	// §6.5); it has no timing effect in this simulated bus, but is kept
	// and round-tripped since a real device's calibration can't be
	// silently dropped across config reloads.
	OSCCALTrim int `json:"osccal_trim"`

	// VC20Mode mirrors the bus-state flag of the same name (spec.md §4.3):
	// a VIC-20 host's IEEE timing quirk the UI+/UI- commands toggle.
	VC20Mode bool `json:"vc20_mode"`

	// Partitions lists the mount points active at boot, index 0 becoming
	// the default current partition.
	Partitions []PartitionConfig `json:"partitions"`

	// FastloaderAllow gates which fastloader tags (spec.md §4.8, e.g.
	// "Turbodisk", "Dreamload") the CRC detector is allowed to arm; a tag
	// absent from this map defaults to allowed. Present so a deployment
	// can disable a loader it doesn't trust without recompiling.
	FastloaderAllow map[string]bool `json:"fastloader_allow,omitempty"`

	// BufferCount is the user-buffer pool size (spec.md §4.4, "typical 6").
	BufferCount int `json:"buffer_count"`

	// SerialDevice is the tty path internal/bus/serialbus opens; empty
	// selects the in-memory virtualbus transport instead (used by tests
	// and cmd/sd2iecsim's --loopback mode).
	SerialDevice string `json:"serial_device,omitempty"`

	LogRequests bool `json:"log_requests"`
}

// Default returns the out-of-the-box configuration: device 8, JiffyDOS
// on, no OSCCAL trim, one FAT partition mounted at ./sd2iec-data.
func Default() Config {
	return Config{
		DeviceAddress: 8,
		JiffyEnabled:  true,
		OSCCALTrim:    0,
		VC20Mode:      false,
		Partitions: []PartitionConfig{
			{Path: "./sd2iec-data", Label: "SD2IEC", ID: "00"},
		},
		FastloaderAllow: map[string]bool{},
		BufferCount:     6,
		LogRequests:     true,
	}
}

// Load reads path as JSON over the defaults, applies environment
// overrides, and validates the result. An empty path returns the
// environment-overridden defaults (spec.md §6.4's EEPROM collaborator
// is the persistence boundary; a missing file just means "factory
// defaults").
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SD2IEC_* environment variables, the way
// the teacher's bootstrap/discovery config sections accept operational
// overrides without editing the JSON file on disk.
func (c *Config) applyEnv() {
	c.DeviceAddress = env.Int("SD2IEC_DEVICE_ADDR", c.DeviceAddress)
	if env.Has("SD2IEC_JIFFY") {
		c.JiffyEnabled = env.Bool("SD2IEC_JIFFY")
	}
	c.OSCCALTrim = env.Int("SD2IEC_OSCCAL_TRIM", c.OSCCALTrim)
	if root := env.Str("SD2IEC_ROOT", ""); root != "" {
		if len(c.Partitions) == 0 {
			c.Partitions = []PartitionConfig{{Path: root, Label: "SD2IEC", ID: "00"}}
		} else {
			c.Partitions[0].Path = root
		}
	}
	if dev := env.Str("SD2IEC_SERIAL_DEVICE", ""); dev != "" {
		c.SerialDevice = dev
	}
}

// Validate defaults any zero-valued fields and rejects out-of-range
// values (spec.md §4.2: device address is 4..30).
func (c *Config) Validate() error {
	if c.DeviceAddress == 0 {
		c.DeviceAddress = 8
	}
	if c.DeviceAddress < 4 || c.DeviceAddress > 30 {
		return fmt.Errorf("device address %d out of range 4..30", c.DeviceAddress)
	}
	if c.BufferCount <= 0 {
		c.BufferCount = 6
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition must be configured")
	}
	for i, p := range c.Partitions {
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("partition %d: empty path", i)
		}
	}
	return nil
}

// FastloaderAllowed reports whether tag may arm, defaulting to true for
// any tag not explicitly listed (spec.md §4.8's dispatcher has no notion
// of disabled loaders on hardware; this is a deployment-time addition).
func (c Config) FastloaderAllowed(tag string) bool {
	if c.FastloaderAllow == nil {
		return true
	}
	allowed, present := c.FastloaderAllow[tag]
	if !present {
		return true
	}
	return allowed
}
