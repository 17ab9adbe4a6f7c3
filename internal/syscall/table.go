// Package syscall implements the unprivileged→privileged boundary of
// spec.md §4.6: a numbered syscall table and a fixed-size argument buffer
// through which every syscall's inputs and outputs are marshalled.
//
// Grounded on original_source/src/syscall/mod.rs's closed `Syscall` enum
// (a stable, ABI-numbered discriminant dispatched through a small table)
// and original_source/src/argbuf.rs's length-prefixed scratch buffer
// protocol, unified here the way spec.md §2 and §4.6 describe: every
// syscall's arguments and results pass through one argument buffer,
// rather than the original's per-syscall raw register triples.
package syscall

import "fmt"

// Number is a stable ABI discriminant identifying one syscall.
type Number uint8

const (
	FsInit Number = iota
	FsDrop
	FsExists
	FsLength
	FsRead
	FsReadInplace
	FsRead1bAt
	FsRead2bAt
	FsRead4bAt
	FsWrite
	FsWrite1bAt
	FsWrite2bAt
	FsWrite4bAt
	FsErase
	SetArgBuf
	GetArgBuf
	PathPackageList
	PathCap
	PathStatic
	PathAppletField
)

var names = map[Number]string{
	FsInit:          "fs_init",
	FsDrop:          "fs_drop",
	FsExists:        "fs_exists",
	FsLength:        "fs_length",
	FsRead:          "fs_read",
	FsReadInplace:   "fs_read_inplace",
	FsRead1bAt:      "fs_read_1b_at",
	FsRead2bAt:      "fs_read_2b_at",
	FsRead4bAt:      "fs_read_4b_at",
	FsWrite:         "fs_write",
	FsWrite1bAt:     "fs_write_1b_at",
	FsWrite2bAt:     "fs_write_2b_at",
	FsWrite4bAt:     "fs_write_4b_at",
	FsErase:         "fs_erase",
	SetArgBuf:       "set_argbuf",
	GetArgBuf:       "get_argbuf",
	PathPackageList: "path_package_list",
	PathCap:         "path_cap",
	PathStatic:      "path_static",
	PathAppletField: "path_applet_field",
}

func (n Number) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return fmt.Sprintf("syscall.Number(%d)", uint8(n))
}

// FromUint8 recovers a Number from a raw ABI value, the same closed-table
// lookup original_source's Syscall::from_usize performs.
func FromUint8(v uint8) (Number, bool) {
	n := Number(v)
	_, ok := names[n]
	return n, ok
}
