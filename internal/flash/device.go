// Package flash defines the byte-granular, sector-addressed device
// abstraction beneath the block layer.
//
// Physical NOR flash can only clear bits (1→0) on a program, and can only
// set them back to 1 (erased) by bulk-erasing an entire sector. Device
// implementations must uphold that contract; callers rely on it to encode
// block validity transitions as idempotent bit clears rather than rewrites.
package flash

import "github.com/anssi-fr/flashkernel/internal/errs"

// Device is the flash abstraction the block layer talks to. All operations
// are synchronous. Implementations must never require a caller to pre-erase
// before writing zero bits that are already zero.
type Device interface {
	// Read copies len(dst) bytes starting at offset within sector into dst.
	Read(sector int, offset int, dst []byte) error

	// Write programs len(src) bytes starting at offset within sector.
	// Only 1→0 bit transitions are applied; a byte that would require a
	// 0→1 transition is left untouched and LastError is set.
	Write(sector int, offset int, src []byte) error

	// Erase resets sector to all-ones (erased).
	Erase(sector int) error

	// Erase0 resets sector to all-zeros. Used only by test harnesses; no
	// production code path calls this, since real NOR flash cannot
	// perform it.
	Erase0(sector int) error

	// SectorSize returns the size in bytes of the given sector.
	SectorSize(sector int) int

	// NumSectors returns the number of addressable sectors.
	NumSectors() int

	// LastError returns the sticky error flag, or nil if none is set.
	LastError() error

	// ClearError clears the sticky error flag.
	ClearError()
}

// InPlaceDevice is an optional capability a Device may implement when its
// backing storage is addressable memory: ReadInPlace returns a slice
// aliasing the live sector bytes rather than a copy, the zero-copy path
// spec.md §4.3's read_inplace operation names. Devices that only speak a
// narrower bus (SPI NOR, a remote flash) cannot implement this and
// fs.ReadInPlace falls back to a copying read.
type InPlaceDevice interface {
	Device
	ReadInPlace(sector, offset, n int) ([]byte, error)
}

// IllegalTransition is returned (and stored as the sticky error) when a
// write would require a 0→1 bit transition outside of Erase/Erase0.
type IllegalTransition struct {
	Sector, Offset int
}

func (e *IllegalTransition) Error() string {
	return "flash: illegal 0→1 bit transition"
}

// OutOfBounds is returned when an operation addresses bytes past the end
// of a sector, or a sector index past NumSectors.
type OutOfBounds struct {
	Sector, Offset, Len int
}

func (e *OutOfBounds) Error() string {
	return "flash: access out of sector bounds"
}

// WouldClearIsLegal reports whether programming dst to have the byte value
// want is reachable by 1→0 bit clears alone — i.e. every bit that differs
// between dst and want is currently 1 and would become 0. This is the
// predicate the file system's random-access writes and the device's own
// Write use to decide whether an in-place program is legal.
func WouldClearIsLegal(current, want byte) bool {
	// Bits that need to change from 0 to 1 are exactly the bits set in
	// "want but not current".
	return want&^current == 0
}

// DeviceErr wraps a low-level flash error as an *errs.Error of kind
// DeviceError, the shape every caller above this package expects.
func DeviceErr(format string, args ...any) *errs.Error {
	return errs.New(errs.DeviceError, format, args...)
}
