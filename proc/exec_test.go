package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/defs"
	"vsta/hat"
	"vsta/mem"
	"vsta/pview"
	"vsta/port"
	"vsta/pset"
	"vsta/seg"
)

// fakeFileServer answers FS_FID with a fixed id and FS_ABSREAD with pages
// sliced out of a backing in-memory image, standing in for a filesystem
// port during Exec.
func fakeFileServer(t *testing.T, srv *port.Port, fid int64, image []byte) {
	t.Helper()
	imgVas := pview.NewVas()
	pages := (len(image) + mem.PGSIZE - 1) / mem.PGSIZE
	if pages == 0 {
		pages = 1
	}
	require.Equal(t, 0, int(imgVas.Attach(&pview.Pview{
		Mtype: pview.VAnon,
		Start: 0x40000,
		Pages: pages,
		Perms: hat.P_PRESENT | hat.P_WRITE,
		Pset:  pset.New(pset.KAnon, pages),
	}, false)))

	go func() {
		for {
			m, err := srv.Receive(0, nil)
			if err != 0 {
				return
			}
			switch m.Op {
			case port.M_CONNECT:
				port.Accept(m.Sender())
			case port.FS_FID:
				port.Reply(m, fid, nil)
			case port.FS_ABSREAD:
				s, serr := seg.Make(imgVas, 0x40000+uintptr(m.Arg), int(m.Arg1))
				if serr != 0 {
					port.ReplyErr(m, serr)
					continue
				}
				port.Reply(m, 0, []*seg.Segment{s})
			default:
				port.ReplyErr(m, -defs.ENOTSUP)
			}
		}
	}()
}

func TestExecResetsEntryAndMapsText(t *testing.T) {
	mem.Phys_init(256)

	srv := port.NewPort("")
	image := make([]byte, mem.PGSIZE)
	fakeFileServer(t, srv, 101, image)

	p := New(0, false)
	require.NotNil(t, p)
	parent := p.NewThread()
	parent.Regs.PC = 0xdead

	execPr := port.Connect(srv, nil)
	p.AddPortref(execPr)

	img := ExecImage{
		Text:       execPr,
		TextVaddr:  0x20000,
		TextPages:  1,
		StackVaddr: 0x30000,
		Entry:      0x1000,
	}
	require.Equal(t, 0, int(p.Exec(execPr, img)))

	assert.Equal(t, uintptr(0x1000), parent.Regs.PC)
	assert.Equal(t, uintptr(0x30000+execStackPages*mem.PGSIZE), parent.Regs.SP)

	_, ok := p.Vas.Lookup(0x20000)
	assert.True(t, ok)
	_, ok = p.Vas.Lookup(0x30000)
	assert.True(t, ok)

	p.Exit(0)
}

func TestExecReusesCachedPsetAcrossTwoExecs(t *testing.T) {
	mem.Phys_init(256)

	srv := port.NewPort("")
	image := make([]byte, mem.PGSIZE)
	fakeFileServer(t, srv, 202, image)

	p1 := New(0, false)
	require.NotNil(t, p1)
	p1.NewThread()
	pr1 := port.Connect(srv, nil)
	p1.AddPortref(pr1)
	require.Equal(t, 0, int(p1.Exec(pr1, ExecImage{
		Text: pr1, TextVaddr: 0x20000, TextPages: 1,
		StackVaddr: 0x30000, Entry: 0x1000,
	})))
	v1, _ := p1.Vas.Lookup(0x20000)

	p2 := New(0, false)
	require.NotNil(t, p2)
	p2.NewThread()
	pr2 := port.Connect(srv, nil)
	p2.AddPortref(pr2)
	require.Equal(t, 0, int(p2.Exec(pr2, ExecImage{
		Text: pr2, TextVaddr: 0x20000, TextPages: 1,
		StackVaddr: 0x30000, Entry: 0x1000,
	})))
	v2, _ := p2.Vas.Lookup(0x20000)

	assert.Same(t, v1.Pset, v2.Pset)

	p1.Exit(0)
	p2.Exit(0)
}

func TestExecRejectsMultiThreadedProc(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	p.NewThread()
	p.NewThread()

	err := p.Exec(nil, ExecImage{})
	assert.Equal(t, -defs.EINVAL, err)

	p.Exit(0)
}
