package proc

import (
	"vsta/defs"
	"vsta/hat"
	"vsta/limits"
	"vsta/mem"
	"vsta/pset"
	"vsta/pview"
	"vsta/port"
	"vsta/seg"
	"vsta/trap"
)

// ExecImage is the file-backed layout exec maps in: for each half (text,
// optionally data), the portref the image was opened through and the
// byte offset/page count FS_FID resolved it at, plus the load addresses
// and entry point (spec.md §4.8's exec; grounded on original_source's
// exec.c driving the same vas-build bootproc() performs, sourced from
// FS_FID/FS_ABSREAD over a portref instead of a boot-time file read).
type ExecImage struct {
	Text      *port.Portref
	TextOff   int64
	TextVaddr uintptr
	TextPages int

	Data      *port.Portref // nil for a text-only image
	DataOff   int64
	DataVaddr uintptr
	DataPages int

	StackVaddr uintptr
	Entry      uintptr
}

// execStackPages is the stack exec reserves for the rewritten image's
// surviving thread (proc.c's exec, the same fixed reservation bootproc's
// own stack setup uses).
const execStackPages = 8

// fidBackend adapts a portref's FS_ABSREAD/FS_ABSWRITE into the
// pset.FileBackend contract a KFile pset fills and writes back through
// (spec.md §4.3: "send FS_ABSREAD of one page to the portref").
type fidBackend struct {
	pr *port.Portref
}

func (f fidBackend) AbsRead(off int64, pg *mem.Pg_t) defs.Err_t {
	_, segs, err := f.pr.Send(port.FS_ABSREAD, off, int64(mem.PGSIZE), nil, nil)
	if err != 0 {
		return err
	}
	seg.ReadInto(segs, mem.Pg2bytes(pg)[:])
	return 0
}

func (f fidBackend) AbsWrite(off int64, pg *mem.Pg_t) defs.Err_t {
	pa := mem.Physmem.Dmap_v2p(pg)
	s := seg.FromPage(pa)
	defer s.Free()
	_, _, err := f.pr.Send(port.FS_ABSWRITE, off, int64(mem.PGSIZE), []*seg.Segment{s}, nil)
	return err
}

// execPset resolves the shared pset backing one half of an image,
// reusing an already-cached pset from a prior exec of the same file-id
// over the same port instead of allocating a fresh one -- spec.md §4.7's
// mapped-file cache, Scenario D's "second exec must reuse the cached
// pset."
func execPset(pr *port.Portref, off int64, pages int) (*pset.Pset, defs.Err_t) {
	fid, _, err := pr.Send(port.FS_FID, 0, 0, nil, nil)
	if err != 0 {
		return nil, err
	}
	srv := pr.Port()
	if srv == nil {
		return nil, -defs.EIO
	}
	if cached, ok := srv.FidLookup(fid); ok {
		if ps, ok := cached.(*pset.Pset); ok {
			ps.Ref()
			return ps, 0
		}
	}
	ps := pset.NewFile(pages, fidBackend{pr: pr}, off)
	srv.FidStore(fid, ps)
	return ps, 0
}

// Exec rewrites p's address space in place to run a new image: it drops
// the executable's own portref from the open table, tears the vas down
// short of explicitly shared mappings, attaches file-backed text/data
// psets (reused from the mapped-file cache when available) plus a fresh
// stack, and resets the surviving thread's entry point (spec.md §4.8's
// exec; original_source's exec.c: single-thread precondition, then the
// same vas rebuild bootproc() performs).
func (p *Proc_t) Exec(pr *port.Portref, img ExecImage) defs.Err_t {
	p.mu.Lock()
	if len(p.threads) != 1 {
		p.mu.Unlock()
		return -defs.EINVAL
	}
	kept := make([]*port.Portref, 0, len(p.portrefs))
	dropped := false
	for _, o := range p.portrefs {
		if o == pr {
			dropped = true
			continue
		}
		kept = append(kept, o)
	}
	p.portrefs = kept
	var thr *Thread_t
	for _, t := range p.threads {
		thr = t
	}
	p.mu.Unlock()
	if dropped {
		limits.Syslimit.Portrefs.Give()
	}

	p.Vas.ClearExceptShared()

	textPs, terr := execPset(img.Text, img.TextOff, img.TextPages)
	if terr != 0 {
		return terr
	}
	if aerr := p.Vas.Attach(&pview.Pview{
		Mtype: pview.VFile,
		Start: img.TextVaddr,
		Pages: img.TextPages,
		Perms: hat.P_PRESENT,
		Pset:  textPs,
	}, false); aerr != 0 {
		textPs.Deref()
		return aerr
	}

	if img.Data != nil && img.DataPages > 0 {
		dataPs, derr := execPset(img.Data, img.DataOff, img.DataPages)
		if derr != 0 {
			return derr
		}
		if aerr := p.Vas.Attach(&pview.Pview{
			Mtype: pview.VFile,
			Start: img.DataVaddr,
			Pages: img.DataPages,
			Perms: hat.P_PRESENT | hat.P_WRITE,
			Pset:  dataPs,
		}, false); aerr != 0 {
			dataPs.Deref()
			return aerr
		}
	}

	stack := pset.New(pset.KAnon, execStackPages)
	if aerr := p.Vas.Attach(&pview.Pview{
		Mtype: pview.VAnon,
		Start: img.StackVaddr,
		Pages: execStackPages,
		Perms: hat.P_PRESENT | hat.P_WRITE,
		Pset:  stack,
	}, true); aerr != 0 {
		stack.Deref()
		return aerr
	}

	thr.Regs = trap.Regs{PC: img.Entry, SP: img.StackVaddr + uintptr(execStackPages*mem.PGSIZE)}
	return 0
}
