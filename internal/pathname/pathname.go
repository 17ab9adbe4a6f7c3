// Package pathname derives the domain-tagged byte tuples the file system
// uses as tags (spec.md §4.7) and gates which execution context may read
// or write a tag of a given domain (supplemented from
// original_source/src/filename.rs, which calls the same four domains
// "FileType"s and ships the identical access matrix).
package pathname

import "github.com/anssi-fr/flashkernel/internal/errs"

// Domain is the first byte of every derived tag, selecting how the
// remaining bytes are interpreted.
type Domain byte

const (
	// PackageList addresses the single, kernel-wide list of installed
	// package identifiers.
	PackageList Domain = 0x00
	// Cap addresses one package's applet-capability record.
	Cap Domain = 0x01
	// Static addresses one static field of one package.
	Static Domain = 0x02
	// AppletField addresses one instance field belonging to one applet.
	AppletField Domain = 0x03
)

// InstallerContextID is the single context id permitted to create or
// rename package-list and capability entries. original_source/src/filename.rs
// ties this to a fixed ContextNumber::Installer; spec.md does not enumerate
// reserved context ids, so it is kept here as the one free parameter other
// packages must supply explicitly rather than hidden as an unexported
// package constant.
type InstallerContextID = uint32

// PackageListTag derives the single tag addressing the package list.
func PackageListTag() []byte {
	return []byte{byte(PackageList)}
}

// CapTag derives the tag addressing package pkg's capability record.
func CapTag(pkg byte) []byte {
	return []byte{byte(Cap), pkg}
}

// StaticTag derives the tag addressing static field staticID of package pkg.
func StaticTag(pkg, staticID byte) []byte {
	return []byte{byte(Static), pkg, staticID}
}

// AppletFieldTag derives the tag addressing instance field field, of class
// claz, of package pkg, belonging to applet instance applet.
func AppletFieldTag(applet, pkg, claz, field byte) []byte {
	return []byte{byte(AppletField), applet, pkg, claz, field}
}

// IsApplet reports whether tag addresses a capability record (an
// installed applet), the test original_source/src/filename.rs names
// is_applet.
func IsApplet(tag []byte) bool {
	return len(tag) == 2 && Domain(tag[0]) == Cap
}

// CanRead reports whether the context identified by contextID may read
// tag. Package-list, capability and static-field tags are world-readable;
// applet-instance fields are readable only by the applet they belong to.
func CanRead(contextID uint32, tag []byte) bool {
	if len(tag) == 0 {
		return false
	}
	switch Domain(tag[0]) {
	case PackageList, Cap, Static:
		return true
	case AppletField:
		return len(tag) >= 2 && uint32(tag[1]) == contextID
	default:
		return false
	}
}

// CanWrite reports whether the context identified by contextID may write
// tag, and also validates that the tag has the exact length its domain
// requires (a malformed tag is never writable, regardless of caller).
//
//   - PackageList and Cap entries may only be written by InstallerContextID,
//     since installing a package is a privileged administrative action.
//   - Static fields may be written by any context: spec.md's VM enforces
//     Java-level visibility, not the file system.
//   - AppletField entries may only be written by the applet they belong to.
func CanWrite(contextID uint32, installerID InstallerContextID, tag []byte) bool {
	if len(tag) == 0 {
		return false
	}
	switch Domain(tag[0]) {
	case PackageList:
		return len(tag) == 1 && contextID == installerID
	case Cap:
		return len(tag) == 2 && contextID == installerID
	case Static:
		return len(tag) == 3
	case AppletField:
		return len(tag) == 5 && uint32(tag[1]) == contextID
	default:
		return false
	}
}

// ValidateTag checks that tag is well-formed for its domain (correct
// length, no trailing bytes) independent of who is asking — the check
// the syscall dispatcher runs before consulting CanRead/CanWrite, so that
// a badly-shaped tag is always rejected as InvalidArgument rather than as
// a permission error.
func ValidateTag(tag []byte) error {
	if len(tag) == 0 {
		return errs.New(errs.InvalidArgument, "empty tag")
	}
	var want int
	switch Domain(tag[0]) {
	case PackageList:
		want = 1
	case Cap:
		want = 2
	case Static:
		want = 3
	case AppletField:
		want = 5
	default:
		return errs.New(errs.InvalidArgument, "unknown tag domain %#x", tag[0])
	}
	if len(tag) != want {
		return errs.New(errs.InvalidArgument, "tag domain %#x requires length %d, got %d", tag[0], want, len(tag))
	}
	return nil
}
