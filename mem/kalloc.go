package mem

import (
	"sync"
	"unsafe"
)

// Kalloc/Kfree implement the small bucketed power-of-two allocator
// spec.md §4.2 mentions in passing ("kernel malloc ... built from whole
// pages carved into power-of-two buckets") without spelling out as its own
// component. Each size class keeps a free list of same-sized blocks carved
// from whole pages claimed via Refpg_new_nozero, the same "slice a page,
// thread a free list through it" shape as Physmem_t's own page free list
// (Physpg_t.nexti), just one level up.
const (
	kallocMinShift = 4  // smallest bucket: 16 bytes
	kallocMaxShift = 11 // largest bucket: 2048 bytes, still sub-page
	kallocBuckets  = kallocMaxShift - kallocMinShift + 1
)

type kfree_t struct {
	next *kfree_t
}

type kbucket_t struct {
	sync.Mutex
	shift uint
	free  *kfree_t
}

var kbuckets [kallocBuckets]kbucket_t

func init() {
	for i := range kbuckets {
		kbuckets[i].shift = uint(kallocMinShift + i)
	}
}

func bucketFor(size int) (int, bool) {
	for i := 0; i < kallocBuckets; i++ {
		if size <= 1<<kbuckets[i].shift {
			return i, true
		}
	}
	return 0, false
}

// Kalloc returns a zeroed block of at least size bytes, or nil if size
// exceeds the largest bucket (callers needing more should allocate whole
// pages directly via Refpg_new).
func Kalloc(size int) []byte {
	bi, ok := bucketFor(size)
	if !ok {
		return nil
	}
	b := &kbuckets[bi]
	blockSize := 1 << b.shift

	b.Lock()
	if b.free != nil {
		blk := b.free
		b.free = blk.next
		b.Unlock()
		buf := unsafeBlockBytes(blk, blockSize)
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	b.Unlock()

	// No free block of this size: carve a fresh page into blockSize
	// chunks, keep one, and thread the rest onto the bucket's free list.
	pg, _, okPg := Physmem.Refpg_new_nozero()
	if !okPg {
		return nil
	}
	raw := Pg2bytes(pg)
	n := len(raw) / blockSize
	if n == 0 {
		n = 1
	}
	b.Lock()
	for i := 1; i < n; i++ {
		blk := (*kfree_t)(blockAt(raw, i*blockSize))
		blk.next = b.free
		b.free = blk
	}
	b.Unlock()
	buf := raw[0:blockSize]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// blockAt returns the sub-slice of raw starting at byte offset off, as a
// pointer suitable for reinterpreting as a *kfree_t free-list link.
func blockAt(raw []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&raw[off])
}

// unsafeBlockBytes reinterprets a free-list node as the byte block it was
// carved from.
func unsafeBlockBytes(blk *kfree_t, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(blk)), size)
}

// Kfree returns a block previously obtained from Kalloc to its bucket's
// free list. size must match the value passed to the corresponding Kalloc.
func Kfree(block []byte, size int) {
	bi, ok := bucketFor(size)
	if !ok {
		panic("mem: kfree size exceeds kalloc buckets")
	}
	b := &kbuckets[bi]
	blk := (*kfree_t)(blockAt(block, 0))
	b.Lock()
	blk.next = b.free
	b.free = blk
	b.Unlock()
}
