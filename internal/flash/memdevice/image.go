package memdevice

import "os"

// NewFromImage builds a Device backed by the bytes at path, split into
// sectors per sectorSizes. A missing file is treated as virgin (all-ones)
// flash of the requested shape, the same starting state New would give a
// brand new part.
func NewFromImage(path string, sectorSizes []int) (*Device, error) {
	d := New(sectorSizes)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	off := 0
	for i, buf := range d.sectors {
		n := len(buf)
		if off+n > len(raw) {
			n = len(raw) - off
		}
		if n <= 0 {
			break
		}
		copy(d.sectors[i], raw[off:off+n])
		off += n
	}
	return d, nil
}

// SaveImage writes the device's full flash contents to path, in the same
// sector order NewFromImage reads them back in.
func (d *Device) SaveImage(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var raw []byte
	for _, buf := range d.sectors {
		raw = append(raw, buf...)
	}
	return os.WriteFile(path, raw, 0o644)
}
