package flag

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/gosoo/vmm"
)

var errUnknownKeys = errors.New("unknown configuration keys")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// Config is the agency configuration as written in the config file.
// Sizes are number[gGmMkK] strings.
type Config struct {
	RAMSize       string `toml:"ram_size"`
	SlotSize      string `toml:"slot_size"`
	RingSize      string `toml:"ring_size"`
	StoreDB       string `toml:"store_db"`
	ControlSocket string `toml:"control_socket"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
	Listen        string `toml:"listen"`
}

// DefaultConfig returns the configuration used for keys set nowhere.
func DefaultConfig() Config {
	return Config{
		RAMSize:       "64M",
		SlotSize:      "4M",
		RingSize:      "1K",
		ControlSocket: fmt.Sprintf("/tmp/gosoo-%d.sock", os.Getpid()),
		LogLevel:      "info",
	}
}

// LoadConfig overlays the TOML file at path on c.
func LoadConfig(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("config %s: %w: %v", path, errUnknownKeys, keys)
	}

	return nil
}

// Merge overrides the keys of c that are set in o.
func (c *Config) Merge(o Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&c.RAMSize, o.RAMSize)
	set(&c.SlotSize, o.SlotSize)
	set(&c.RingSize, o.RingSize)
	set(&c.StoreDB, o.StoreDB)
	set(&c.ControlSocket, o.ControlSocket)
	set(&c.MetricsAddr, o.MetricsAddr)
	set(&c.LogLevel, o.LogLevel)
	set(&c.Listen, o.Listen)
}

// VMM converts c into an agency configuration.
func (c Config) VMM() (vmm.Config, error) {
	ram, err := ParseSize(c.RAMSize, "m")
	if err != nil {
		return vmm.Config{}, fmt.Errorf("ram_size: %w", err)
	}

	slot, err := ParseSize(c.SlotSize, "m")
	if err != nil {
		return vmm.Config{}, fmt.Errorf("slot_size: %w", err)
	}

	ring, err := ParseSize(c.RingSize, "")
	if err != nil {
		return vmm.Config{}, fmt.Errorf("ring_size: %w", err)
	}

	return vmm.Config{
		RAMSize:       ram,
		SlotSize:      slot,
		RingSize:      ring,
		StoreDB:       c.StoreDB,
		ControlSocket: c.ControlSocket,
		MetricsAddr:   c.MetricsAddr,
		Listen:        c.Listen,
	}, nil
}
