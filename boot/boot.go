// Package boot implements the boot contract spec.md §6 describes: the
// loader hands the kernel a list of boot tasks, each with a text/data image
// and an entry point, and the kernel builds one proc per task with identity
// sys/sys and a minimal stack. original_source's proc.c bootproc() is the
// direct source for the page-frame-base/text/data/entry shape this package
// follows; bootproc's own PFN-relative addressing (an already-loaded kernel
// image handed page numbers directly) is replaced with reading an on-disk
// image file into a freshly allocated anonymous pset, since this core has
// no bootloader of its own to have pre-loaded anything.
package boot

import (
	"fmt"
	"os"

	"vsta/defs"
	"vsta/hat"
	"vsta/mem"
	"vsta/pset"
	"vsta/pview"
)

// StackPages is the initial user stack size every boot task gets
// (proc.c's bootproc reserving a handful of stack pages up front).
const StackPages = 8

// Task describes one boot task: a text image and a data image (Load maps
// both read-write), each at a fixed virtual address, plus the entry point
// execution begins at.
type Task struct {
	TextPath  string
	TextVaddr uintptr
	TextPages int

	DataPath  string
	DataVaddr uintptr
	DataPages int

	StackVaddr uintptr
	Entry      uintptr
}

// Loaded is the result of bringing up one boot task's address space: a
// fresh Vas with text/data/stack attached and populated, ready for a
// proc.Proc_t to adopt.
type Loaded struct {
	Vas   *pview.Vas
	Entry uintptr
}

// Load builds t's address space: one KAnon pview per image, faulted in and
// filled with the image's bytes, plus an anonymous stack pview
// (proc.c's bootproc: "map text read-only, data read-write, reserve a
// stack, set the entry point").
func Load(t Task) (*Loaded, defs.Err_t) {
	vas := pview.NewVas()

	// Text gets P_WRITE too so the image can be copied in, and keeps it:
	// nothing here narrows the text pview's Perms or calls
	// hat.Space.Protect after the copy, so a boot task's text stays
	// writable rather than read-only.
	if err := loadImage(vas, t.TextPath, t.TextVaddr, t.TextPages, hat.P_PRESENT|hat.P_WRITE); err != 0 {
		return nil, err
	}
	if t.DataPages > 0 {
		if err := loadImage(vas, t.DataPath, t.DataVaddr, t.DataPages, hat.P_PRESENT|hat.P_WRITE); err != 0 {
			return nil, err
		}
	}

	stackPages := StackPages
	stack := &pview.Pview{
		Mtype: pview.VAnon,
		Start: t.StackVaddr,
		Pages: stackPages,
		Perms: hat.P_PRESENT | hat.P_WRITE,
		Pset:  pset.New(pset.KAnon, stackPages),
	}
	if err := vas.Attach(stack, true); err != 0 {
		return nil, err
	}

	return &Loaded{Vas: vas, Entry: t.Entry}, 0
}

// loadImage reads path in full, sizes an anonymous pset to cover it
// (rounded up to whole pages), attaches it at vaddr, and copies the file's
// bytes in page by page via Vas.Fault + Userbuf_t -- the portable
// replacement for bootproc's "these pages are already resident, just wire
// them in" shortcut.
func loadImage(vas *pview.Vas, path string, vaddr uintptr, pages int, perms hat.Prot) defs.Err_t {
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return -defs.ENOEXEC
	}
	if len(data) > pages*mem.PGSIZE {
		return -defs.E2BIG
	}

	v := &pview.Pview{
		Mtype: pview.VAnon,
		Start: vaddr,
		Pages: pages,
		Perms: perms,
		Pset:  pset.New(pset.KAnon, pages),
	}
	if err := vas.Attach(v, false); err != 0 {
		return err
	}

	var ub pview.Userbuf_t
	ub.Init(vas, vaddr, len(data))
	if _, err := ub.Uiowrite(data); err != 0 {
		return err
	}
	return 0
}

// Describe renders a one-line human-readable summary of a loaded task, for
// the boot CLI's startup log.
func (t Task) Describe() string {
	return fmt.Sprintf("text=%s@%#x+%dpg data=%s@%#x+%dpg entry=%#x",
		t.TextPath, t.TextVaddr, t.TextPages,
		t.DataPath, t.DataVaddr, t.DataPages, t.Entry)
}
