package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anssi-fr/flashkernel/internal/mpu"
)

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	doc := "memory_map:\n  shared_rw_size: 8192\nsectors: [4096, 4096, 4096]\ndefrag_sector: 2\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := c.ToMap()
	if m.SharedRWSize != 8192 {
		t.Fatalf("SharedRWSize = %d, want 8192", m.SharedRWSize)
	}
	if m.FlashCodeSize != mpu.DefaultMap.FlashCodeSize {
		t.Fatalf("FlashCodeSize should fall back to default, got %d", m.FlashCodeSize)
	}
	if len(c.Sectors) != 3 || c.DefragSector != 2 {
		t.Fatalf("unexpected sectors/defrag: %v %d", c.Sectors, c.DefragSector)
	}
}

func TestDefaultMatchesDefaultMap(t *testing.T) {
	c := Default()
	if c.ToMap() != mpu.DefaultMap {
		t.Fatal("Default().ToMap() should equal mpu.DefaultMap")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
