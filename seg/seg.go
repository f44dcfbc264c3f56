// Package seg implements segments, the IPC payload descriptor spec.md
// §4.6 and original_source's seg.c define: a pview (duplicated, not
// shared) plus a byte offset and length within it. make_seg/attach_seg/
// detach_seg/copyoutsegs follow seg.c's shape directly -- free_seg's
// pset-deref-on-teardown, attach_seg's read-only-unless-DMA attachment,
// and copyoutsegs's sender-length-vs-receiver-scatter-list bound.
package seg

import (
	"vsta/defs"
	"vsta/hat"
	"vsta/mem"
	"vsta/pset"
	"vsta/pview"
)

// Segment is a byte range within a pset, reachable through a pview that
// this Segment owns a private copy of (seg.c: "make_seg... duplicates the
// pview structure").
type Segment struct {
	view   *pview.Pview
	Off    int // byte offset from the start of the pview
	Length int // byte length
}

// Make builds a segment over [start, start+length) of vas, bounds-checked
// against the enclosing pview (spec.md §4.6's make_seg). The duplicated
// pview keeps the enclosing pview's full page range; it is not trimmed to
// the pages the byte range touches, and Off counts from its Start.
func Make(vas *pview.Vas, start uintptr, length int) (*Segment, defs.Err_t) {
	if length <= 0 {
		return nil, -defs.EINVAL
	}
	v, ok := vas.Lookup(start)
	if !ok {
		return nil, -defs.EFAULT
	}
	end := start + uintptr(length)
	if end > v.End() {
		return nil, -defs.EFAULT
	}
	v.Pset.Ref()
	dup := v.Dup()
	off := int(start - v.Start)
	return &Segment{view: dup, Off: off, Length: length}, 0
}

// View exposes the segment's (duplicated) pview, for attach/detach.
func (s *Segment) View() *pview.Pview { return s.view }

// Free drops the segment's reference on its pset (seg.c's free_seg).
func (s *Segment) Free() {
	s.view.Pset.Deref()
}

// Attach maps the segment's pview read-only into the receiver's vas,
// unless dma is set, in which case the original permissions are kept
// (spec.md §4.6's attach_seg).
func Attach(recv *pview.Vas, s *Segment, dma bool) defs.Err_t {
	perms := hat.P_PRESENT
	if dma {
		perms = s.view.Perms
	}
	nv := &pview.Pview{
		Mtype: s.view.Mtype,
		Start: s.view.Start,
		Pages: s.view.Pages,
		Perms: perms,
		Pset:  s.view.Pset,
	}
	s.view.Pset.Ref()
	return recv.Attach(nv, false)
}

// Detach reverses Attach, tearing down the receiver-side pview installed
// for the segment.
func Detach(recv *pview.Vas, start uintptr) {
	if v, ok := recv.Lookup(start); ok {
		recv.Detach(v)
	}
}

// Scatter is one destination range of a receiver's scatter/gather list
// for a message (spec.md §6's MSGSEGS, "copy data... obeying... the
// receiver's scatter list").
type Scatter struct {
	Vas   *pview.Vas
	Start uintptr
	Cap   int
}

// Copyout copies bytes from the sender's segments into the receiver's
// scatter list, in order, stopping when either side is exhausted, and
// returns the total number of bytes actually transferred -- exactly the
// "copyoutsegs" contract from seg.c.
func Copyout(segs []*Segment, scatter []Scatter) int {
	total := 0
	si, soff := 0, 0
	for _, seg := range segs {
		remaining := seg.Length
		srcOff := seg.Off
		for remaining > 0 {
			if si >= len(scatter) {
				return total
			}
			dst := scatter[si]
			room := dst.Cap - soff
			if room <= 0 {
				si++
				soff = 0
				continue
			}
			n := remaining
			if n > room {
				n = room
			}
			copySegToVas(seg, srcOff, dst.Vas, dst.Start+uintptr(soff), n)
			total += n
			remaining -= n
			srcOff += n
			soff += n
		}
	}
	return total
}

// copySegToVas copies n bytes starting at the segment's srcOff into a
// receiver pview attached at dstVA. The source side resolves pages
// directly against the segment's own pset (so a segment's pages are
// readable whether or not its pview is currently attached into any vas --
// true of a physmem-exported segment, which has no real owning vas); the
// destination side goes through the receiver's vas to pick up a real
// fault/COW-upgrade if needed.
func copySegToVas(seg *Segment, srcOff int, dstVas *pview.Vas, dstVA uintptr, n int) {
	for copied := 0; copied < n; {
		srcPageVA := seg.view.Start + uintptr(srcOff+copied)
		idx := seg.view.SlotFor(srcPageVA)
		seg.view.Pset.LockSlot(idx)
		srcPa, err := seg.view.Pset.Fillslot(idx, false)
		seg.view.Pset.UnlockSlot(idx)
		if err != 0 {
			return
		}
		if ferr := dstVas.Fault(dstVA, true); ferr != 0 {
			return
		}
		dstPage, ok := dstVas.Space.Lookup(dstVA)
		if !ok {
			return
		}
		srcOffInPage := int(srcPageVA & mem.PGOFFSET)
		dstOffInPage := int(dstVA & mem.PGOFFSET)
		srcBuf := mem.Pg2bytes(mem.Physmem.Dmap(srcPa))[srcOffInPage:]
		dstBuf := mem.Pg2bytes(mem.Physmem.Dmap(dstPage.Phys))[dstOffInPage:]
		c := n - copied
		if c > len(srcBuf) {
			c = len(srcBuf)
		}
		if c > len(dstBuf) {
			c = len(dstBuf)
		}
		copy(dstBuf[:c], srcBuf[:c])
		copied += c
		dstVA += uintptr(c)
	}
}

// ReadInto copies up to len(dst) bytes from segs, in order, directly off
// each segment's own pset -- the same per-page fault/copy Copyout performs
// against a receiver scatter list, minus the destination-vas indirection,
// for a kernel-internal reader with no vas of its own to scatter into
// (pset's file-backed Fillslot, reading the reply segments an FS_ABSREAD
// over a portref comes back with). Returns the number of bytes copied.
func ReadInto(segs []*Segment, dst []byte) int {
	copied := 0
	for _, s := range segs {
		if copied >= len(dst) {
			break
		}
		remaining := s.Length
		srcOff := s.Off
		for remaining > 0 && copied < len(dst) {
			srcPageVA := s.view.Start + uintptr(srcOff)
			idx := s.view.SlotFor(srcPageVA)
			s.view.Pset.LockSlot(idx)
			srcPa, err := s.view.Pset.Fillslot(idx, false)
			s.view.Pset.UnlockSlot(idx)
			if err != 0 {
				return copied
			}
			srcOffInPage := int(srcPageVA & mem.PGOFFSET)
			srcBuf := mem.Pg2bytes(mem.Physmem.Dmap(srcPa))[srcOffInPage:]
			n := len(dst) - copied
			if n > remaining {
				n = remaining
			}
			if n > len(srcBuf) {
				n = len(srcBuf)
			}
			copy(dst[copied:copied+n], srcBuf[:n])
			copied += n
			remaining -= n
			srcOff += n
		}
	}
	return copied
}

// FromPage wraps a single already-allocated physical page as a one-page
// KPhysmem-backed segment, with no enclosing vas required -- the sender
// side of a kernel-internal FS_ABSWRITE, where the page being written back
// is a pset slot rather than anything mapped into a process (pset's
// file-backed Writeslot handing a dirty page to its portref).
func FromPage(pa mem.Pa_t) *Segment {
	ps := pset.New(pset.KPhysmem, 1)
	ps.Seed(0, pa)
	v := &pview.Pview{Mtype: pview.VAnon, Start: 0, Pages: 1, Perms: hat.P_PRESENT, Pset: ps}
	return &Segment{view: v, Off: 0, Length: mem.PGSIZE}
}

// ExportPhysmem builds a KPhysmem-backed pset spanning the kernel
// [start, start+pages*PGSIZE) virtual range, by looking up each page's
// current HAT translation in the exporting vas -- spec.md §4.6's special
// case, used to deliver process identity/permissions to a connection
// handshake.
func ExportPhysmem(vas *pview.Vas, start uintptr, pages int) (*Segment, defs.Err_t) {
	ps := pset.New(pset.KPhysmem, pages)
	for i := 0; i < pages; i++ {
		va := start + uintptr(i)*uintptr(mem.PGSIZE)
		e, ok := vas.Space.Lookup(va)
		if !ok {
			ps.Deref()
			return nil, -defs.EFAULT
		}
		ps.Seed(i, e.Phys)
	}
	v := &pview.Pview{Mtype: pview.VAnon, Start: start, Pages: pages, Perms: hat.P_PRESENT, Pset: ps}
	return &Segment{view: v, Off: 0, Length: pages * mem.PGSIZE}, 0
}
