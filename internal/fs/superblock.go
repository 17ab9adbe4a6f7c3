package fs

import (
	"encoding/binary"
	"time"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/errs"
)

// superblockTag is the reserved tag carrying the on-flash format version
// (spec.md §3 AMBIENT addition). It is 0xFF rather than the originally
// proposed 0x00, since 0x00 is also internal/pathname's package-list
// domain tag (PackageListTag == []byte{0x00}) — using it for the
// superblock too would collide two unrelated files onto one tag. See
// SPEC_FULL.md §3 for this deviation.
var superblockTag = []byte{0xFF}

// FormatVersion is the on-flash layout version this build writes and
// expects. Bumping the major component signals an incompatible layout
// change that Init must refuse to mount rather than silently
// misinterpret.
var FormatVersion = semver.Version{Major: 1, Minor: 0, Patch: 0}

// ensureSuperblock writes a fresh superblock on virgin flash, or verifies
// an existing one's major version is compatible with FormatVersion.
func (fs *FileSystem) ensureSuperblock() error {
	e, ok := fs.index[tagKey(superblockTag)]
	if !ok {
		klog.V(1).Infof("fs: virgin flash, writing superblock version %s", FormatVersion.String())
		payload := encodeSuperblock(FormatVersion, time.Now())
		return fs.writeLocked(superblockTag, payload)
	}

	payload := make([]byte, e.dataLen)
	if err := fs.device.Read(e.sector, e.payloadOffset, payload); err != nil {
		return errs.New(errs.DeviceError, "reading superblock: %v", err)
	}
	onDisk, _, err := decodeSuperblock(payload)
	if err != nil {
		return errs.New(errs.IntegrityError, "superblock payload is malformed: %v", err)
	}
	if onDisk.Major != FormatVersion.Major {
		return errs.New(errs.IntegrityError, "on-flash format version %s is incompatible with this build's %s", onDisk.String(), FormatVersion.String())
	}
	return nil
}

func encodeSuperblock(v semver.Version, created time.Time) []byte {
	vs := v.String()
	buf := make([]byte, 1+len(vs)+8)
	buf[0] = byte(len(vs))
	copy(buf[1:], vs)
	binary.LittleEndian.PutUint64(buf[1+len(vs):], uint64(created.UnixNano()))
	return buf
}

func decodeSuperblock(payload []byte) (semver.Version, time.Time, error) {
	if len(payload) < 1 {
		return semver.Version{}, time.Time{}, errs.New(errs.IntegrityError, "superblock payload empty")
	}
	n := int(payload[0])
	if 1+n+8 > len(payload) {
		return semver.Version{}, time.Time{}, errs.New(errs.IntegrityError, "superblock payload truncated")
	}
	v, err := semver.NewVersion(string(payload[1 : 1+n]))
	if err != nil {
		return semver.Version{}, time.Time{}, errs.New(errs.IntegrityError, "superblock version string %q: %v", payload[1:1+n], err)
	}
	nanos := binary.LittleEndian.Uint64(payload[1+n : 1+n+8])
	return *v, time.Unix(0, int64(nanos)), nil
}
