// Package stat mirrors a file/port's metadata record, in both the binary
// shape convenient for in-kernel bookkeeping and the ASCII key=value wire
// form FS_STAT/FS_WSTAT exchange over a message (spec.md §6's
// "Return newline-separated key=value record").
package stat

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

/// Stat_t mirrors a file's stat information.
type Stat_t struct {
	_dev    uint
	_ino    uint
	_mode   uint
	_size   uint
	_rdev   uint
	_uid    uint
	_blocks uint
	_m_sec  uint
	_m_nsec uint
}

/// Wdev stores the device ID.
func (st *Stat_t) Wdev(v uint) {
	st._dev = v
}

/// Wino stores the inode number.
func (st *Stat_t) Wino(v uint) {
	st._ino = v
}

/// Wmode records the file mode.
func (st *Stat_t) Wmode(v uint) {
	st._mode = v
}

/// Wsize records the file size.
func (st *Stat_t) Wsize(v uint) {
	st._size = v
}

/// Wrdev stores the rdev field.
func (st *Stat_t) Wrdev(v uint) {
	st._rdev = v
}

/// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint {
	return st._mode
}

/// Size returns the stored size.
func (st *Stat_t) Size() uint {
	return st._size
}

/// Rdev returns the stored rdev.
func (st *Stat_t) Rdev() uint {
	return st._rdev
}

/// Rino returns the stored inode number.
func (st *Stat_t) Rino() uint {
	return st._ino
}

/// Bytes exposes the raw bytes of the structure.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._dev))
	return sl[:]
}

// statFields lists the key=value keys in the order FS_STAT emits them, and
// is reused by WstatLine to validate which keys a client may overwrite.
var statFields = []string{"dev", "ino", "mode", "size", "rdev", "uid", "blocks", "mtime_sec", "mtime_nsec"}

// Encode renders the record as the newline-separated key=value text the
// FS_STAT reply carries, one line per field, in statFields order.
func (st *Stat_t) Encode() string {
	vals := []uint{st._dev, st._ino, st._mode, st._size, st._rdev, st._uid, st._blocks, st._m_sec, st._m_nsec}
	var b strings.Builder
	for i, k := range statFields {
		fmt.Fprintf(&b, "%s=%d\n", k, vals[i])
	}
	return b.String()
}

// WstatLine applies a single "key=value" FS_WSTAT line to the record. Only
// size, uid, and mode are writable; any other key, or a malformed line,
// returns an error naming the offending key.
func (st *Stat_t) WstatLine(line string) error {
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return fmt.Errorf("stat: malformed wstat line %q", line)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("stat: bad value for %q: %w", k, err)
	}
	switch k {
	case "size":
		st.Wsize(uint(n))
	case "uid":
		st._uid = uint(n)
	case "mode":
		st.Wmode(uint(n))
	default:
		return fmt.Errorf("stat: key %q is not writable", k)
	}
	return nil
}
