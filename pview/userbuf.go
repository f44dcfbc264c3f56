// Userbuf_t and its relatives assist copying bytes to/from user memory one
// page at a time, looking up (and faulting in) each page's translation as
// it goes so a single read or write call can span a page boundary without
// the caller pre-pinning anything. This generalizes the teacher's
// vm/userbuf.go, whose Userbuf_t/Useriovec_t resolve each page through
// Vm_t.Userdmap8_inner under Vm_t.Lock_pmap; here the same per-page-fault
// shape runs against a Vas/hat.Space instead, and the teacher's res/bounds
// heap-accounting calls (resource budgeting across syscalls) are dropped
// since that accounting system has no equivalent in this core.
package pview

import (
	"fmt"

	"vsta/defs"
	"vsta/mem"
)

// Userbuf_t reads or writes a contiguous byte range of a vas, a page at a
// time, faulting in each page as it's reached.
type Userbuf_t struct {
	uva uintptr
	len int
	off int
	vas *Vas
}

// Init readies the buffer to transfer len bytes starting at uva within vas.
func (ub *Userbuf_t) Init(vas *Vas, uva uintptr, length int) {
	if length < 0 {
		panic("pview: negative userbuf length")
	}
	checkOversize(length)
	ub.vas = vas
	ub.uva = uva
	ub.len = length
	ub.off = 0
}

// Remain reports the number of bytes not yet transferred.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from the user range into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return ub.tx(dst, false) }

// Uiowrite copies src into the user range.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return ub.tx(src, true) }

// tx moves min(len(buf), Remain()) bytes, one page fragment at a time. If
// interrupted by a fault error partway through, off reflects how far it got
// so a retry (after resolving the fault some other way) resumes correctly.
func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.uva + uintptr(ub.off)
		if err := ub.vas.Fault(va, write); err != 0 {
			return ret, err
		}
		e, ok := ub.vas.Space.Lookup(va)
		if !ok {
			return ret, -defs.EFAULT
		}
		pgoff := int(va & uintptr(mem.PGOFFSET))
		page := mem.Pg2bytes(mem.Physmem.Dmap(e.Phys))[pgoff:]
		n := ub.len - ub.off
		if n > len(page) {
			n = len(page)
		}
		if n > len(buf) {
			n = len(buf)
		}
		var c int
		if write {
			c = copy(page[:n], buf)
		} else {
			c = copy(buf, page[:n])
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

// iove is one entry of a Useriovec_t's scatter/gather list.
type iove struct {
	uva uintptr
	sz  int
}

// Useriovec_t is a sequence of user buffers, read from an in-memory iovec
// array the caller has already decoded (unlike the teacher's version, which
// reads the array out of user memory itself -- this core has no syscall
// marshalling layer of its own, since messages move through pset/pview
// segments rather than raw iovecs).
type Useriovec_t struct {
	iovs []iove
	tsz  int
	vas  *Vas
}

// Init readies the iovec set from already-decoded (address, length) pairs.
func (iov *Useriovec_t) Init(vas *Vas, bufs []struct {
	Uva uintptr
	Len int
}) defs.Err_t {
	if len(bufs) > 10 {
		return -defs.EINVAL
	}
	iov.vas = vas
	iov.iovs = make([]iove, len(bufs))
	iov.tsz = 0
	for i, b := range bufs {
		if b.Len < 0 {
			return -defs.EINVAL
		}
		iov.iovs[i] = iove{uva: b.Uva, sz: b.Len}
		iov.tsz += b.Len
	}
	return 0
}

// Remain reports the bytes remaining across all iovecs.
func (iov *Useriovec_t) Remain() int {
	ret := 0
	for i := range iov.iovs {
		ret += iov.iovs[i].sz
	}
	return ret
}

// Totalsz reports the iovec set's total length.
func (iov *Useriovec_t) Totalsz() int { return iov.tsz }

func (iov *Useriovec_t) tx(buf []uint8, towards bool) (int, defs.Err_t) {
	var ub Userbuf_t
	did := 0
	for len(buf) > 0 && len(iov.iovs) > 0 {
		cur := &iov.iovs[0]
		ub.Init(iov.vas, cur.uva, cur.sz)
		c, err := ub.tx(buf, towards)
		cur.uva += uintptr(c)
		cur.sz -= c
		if cur.sz == 0 {
			iov.iovs = iov.iovs[1:]
		}
		buf = buf[c:]
		did += c
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// Uioread reads into dst from the set of user buffers in order.
func (iov *Useriovec_t) Uioread(dst []uint8) (int, defs.Err_t) { return iov.tx(dst, false) }

// Uiowrite writes src into the set of user buffers in order.
func (iov *Useriovec_t) Uiowrite(src []uint8) (int, defs.Err_t) { return iov.tx(src, true) }

// Fakeubuf_t implements the same transfer shape as Userbuf_t over a plain
// kernel-side byte slice, for code paths that can target either real user
// memory or an internal buffer (spec.md's message-delivery path reuses a
// fakeubuf when the destination is a kernel-held reply buffer, not a
// client's vas).
type Fakeubuf_t struct {
	buf []uint8
	len int
}

// Init points the fake buffer at buf.
func (fb *Fakeubuf_t) Init(buf []uint8) {
	fb.buf = buf
	fb.len = len(buf)
}

// Remain reports the bytes not yet consumed.
func (fb *Fakeubuf_t) Remain() int { return len(fb.buf) }

// Totalsz reports the buffer's original length.
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

func (fb *Fakeubuf_t) tx(buf []uint8, towards bool) (int, defs.Err_t) {
	var c int
	if towards {
		c = copy(fb.buf, buf)
	} else {
		c = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, 0
}

// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb.tx(dst, false) }

// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }

// checkOversize logs a warning the way the teacher's ub_init did, instead of
// silently accepting an implausible transfer length.
func checkOversize(length int) {
	if length >= 1<<39 {
		fmt.Printf("pview: suspiciously large user buffer (%d)\n", length)
	}
}
