// Package memdevice implements flash.Device as an in-memory backing array.
//
// This is the host-test collaborator named in spec.md §6 ("host tests
// replace the flash device with an in-memory backing array"); it enforces
// the same 1→0-only programming contract that real NOR flash has, so that
// tests written against it exercise the same invariants (P8, bit
// monotonicity) as the real device would.
package memdevice

import (
	"sync"

	"github.com/anssi-fr/flashkernel/internal/flash"
)

// Device is an in-memory flash.Device. Sectors may have different sizes,
// mirroring real parts that mix a small defrag sector with larger data
// sectors.
type Device struct {
	mu      sync.Mutex
	sectors [][]byte
	lastErr error

	// writeHook, if set, is invoked before every byte is committed during
	// Write, letting power-loss tests stop a write partway through.
	writeHook func(sector, offset int) (abort bool)
}

// New creates a Device with len(sectorSizes) sectors, each sized per the
// slice, all erased (all-ones).
func New(sectorSizes []int) *Device {
	d := &Device{sectors: make([][]byte, len(sectorSizes))}
	for i, sz := range sectorSizes {
		buf := make([]byte, sz)
		for j := range buf {
			buf[j] = 0xFF
		}
		d.sectors[i] = buf
	}
	return d
}

// NewUniform creates numSectors sectors of sectorSize bytes each.
func NewUniform(numSectors, sectorSize int) *Device {
	sizes := make([]int, numSectors)
	for i := range sizes {
		sizes[i] = sectorSize
	}
	return New(sizes)
}

// SetWriteHook installs a callback invoked before each byte write commits;
// returning true from it aborts the write at that point, simulating a
// power loss mid-program. Pass nil to remove the hook.
func (d *Device) SetWriteHook(hook func(sector, offset int) (abort bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeHook = hook
}

func (d *Device) bounds(sector, offset, n int) error {
	if sector < 0 || sector >= len(d.sectors) {
		return &flash.OutOfBounds{Sector: sector, Offset: offset, Len: n}
	}
	if offset < 0 || n < 0 || offset+n > len(d.sectors[sector]) {
		return &flash.OutOfBounds{Sector: sector, Offset: offset, Len: n}
	}
	return nil
}

// Read implements flash.Device.
func (d *Device) Read(sector, offset int, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(sector, offset, len(dst)); err != nil {
		d.lastErr = err
		return err
	}
	copy(dst, d.sectors[sector][offset:offset+len(dst)])
	return nil
}

// Write implements flash.Device, applying only legal 1→0 bit transitions
// and stopping (with the sticky error set) on the first byte that would
// require a 0→1 transition.
func (d *Device) Write(sector, offset int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(sector, offset, len(src)); err != nil {
		d.lastErr = err
		return err
	}
	buf := d.sectors[sector]
	for i, want := range src {
		if d.writeHook != nil && d.writeHook(sector, offset+i) {
			return nil
		}
		cur := buf[offset+i]
		if !flash.WouldClearIsLegal(cur, want) {
			err := &flash.IllegalTransition{Sector: sector, Offset: offset + i}
			d.lastErr = err
			return err
		}
		buf[offset+i] = cur & want // clear only the bits that differ from want
	}
	return nil
}

// ReadInPlace implements flash.InPlaceDevice, returning a slice that
// aliases the live sector bytes rather than a copy.
func (d *Device) ReadInPlace(sector, offset, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(sector, offset, n); err != nil {
		d.lastErr = err
		return nil, err
	}
	return d.sectors[sector][offset : offset+n], nil
}

// Erase implements flash.Device, resetting the sector to all-ones.
func (d *Device) Erase(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(sector, 0, 0); err != nil {
		d.lastErr = err
		return err
	}
	buf := d.sectors[sector]
	for i := range buf {
		buf[i] = 0xFF
	}
	return nil
}

// Erase0 implements flash.Device, resetting the sector to all-zeros. Test
// harness only.
func (d *Device) Erase0(sector int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bounds(sector, 0, 0); err != nil {
		d.lastErr = err
		return err
	}
	buf := d.sectors[sector]
	for i := range buf {
		buf[i] = 0x00
	}
	return nil
}

// SectorSize implements flash.Device.
func (d *Device) SectorSize(sector int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.sectors) {
		return 0
	}
	return len(d.sectors[sector])
}

// NumSectors implements flash.Device.
func (d *Device) NumSectors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sectors)
}

// LastError implements flash.Device.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// ClearError implements flash.Device.
func (d *Device) ClearError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = nil
}
