// Package config loads the host-test memory-map overlay: a YAML document
// letting tests and the host harness override internal/mpu.DefaultMap's
// sizes without touching a linker script (there is none on the host).
// Marshalling follows the teacher's storage layer, which also leans on
// gopkg.in/yaml.v3 for its persisted mapping config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/mpu"
)

// MemoryMap mirrors mpu.Map with YAML tags, so the default link-time
// constants can be overridden for an emulator run without recompiling.
type MemoryMap struct {
	FlashLoaderBase uint32 `yaml:"flash_loader_base"`
	FlashLoaderSize uint32 `yaml:"flash_loader_size"`
	FlashCodeBase   uint32 `yaml:"flash_code_base"`
	FlashCodeSize   uint32 `yaml:"flash_code_size"`

	RAMBase     uint32 `yaml:"ram_base"`
	OSStackSize uint32 `yaml:"os_stack_size"`
	OSHeapSize  uint32 `yaml:"os_heap_size"`

	SharedROSize uint32 `yaml:"shared_ro_size"`
	SharedRWSize uint32 `yaml:"shared_rw_size"`

	ContextStackSize uint32 `yaml:"context_stack_size"`
}

// Config is the top-level document loaded from a YAML file.
type Config struct {
	MemoryMap MemoryMap `yaml:"memory_map"`

	// Sectors lists the sector sizes of the emulated flash device, in
	// order. An empty list means the host harness should fall back to a
	// uniform layout of its own choosing.
	Sectors []int `yaml:"sectors"`

	// DefragSector is the initial index, within Sectors, of the sector
	// reserved for defragmentation (spec.md §4.3).
	DefragSector int `yaml:"defrag_sector"`
}

// ToMap converts the YAML overlay into an mpu.Map, starting from
// mpu.DefaultMap and only overriding fields the document actually set
// (zero-value fields in YAML are treated as "use the default").
func (c Config) ToMap() mpu.Map {
	m := mpu.DefaultMap
	ov := c.MemoryMap
	if ov.FlashLoaderBase != 0 {
		m.FlashLoaderBase = ov.FlashLoaderBase
	}
	if ov.FlashLoaderSize != 0 {
		m.FlashLoaderSize = ov.FlashLoaderSize
	}
	if ov.FlashCodeBase != 0 {
		m.FlashCodeBase = ov.FlashCodeBase
	}
	if ov.FlashCodeSize != 0 {
		m.FlashCodeSize = ov.FlashCodeSize
	}
	if ov.RAMBase != 0 {
		m.RAMBase = ov.RAMBase
	}
	if ov.OSStackSize != 0 {
		m.OSStackSize = ov.OSStackSize
	}
	if ov.OSHeapSize != 0 {
		m.OSHeapSize = ov.OSHeapSize
	}
	if ov.SharedROSize != 0 {
		m.SharedROSize = ov.SharedROSize
	}
	if ov.SharedRWSize != 0 {
		m.SharedRWSize = ov.SharedRWSize
	}
	if ov.ContextStackSize != 0 {
		m.ContextStackSize = ov.ContextStackSize
	}
	return m
}

// Load reads and parses a YAML config file from path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.New(errs.InvalidArgument, "reading config %q: %v", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errs.New(errs.InvalidArgument, "parsing config %q: %v", path, err)
	}
	klog.V(2).Infof("loaded memory map overlay from %s", path)
	return c, nil
}

// Default returns the Config equivalent to mpu.DefaultMap with no sector
// overlay, used when no -config flag is supplied.
func Default() Config {
	return Config{
		MemoryMap: MemoryMap{},
	}
}

// String renders a compact summary for log lines.
func (c Config) String() string {
	return fmt.Sprintf("MemoryMap{flashCode=%d sharedRW=%d} Sectors=%v DefragSector=%d",
		c.ToMap().FlashCodeSize, c.ToMap().SharedRWSize, c.Sectors, c.DefragSector)
}
