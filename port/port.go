// Package port implements ports and portrefs, the message-passing core
// spec.md §4.7 describes: a port is a server's single receive queue; a
// portref is a client's handle onto one open connection through it. The
// locking discipline -- take the object's spinlock, then transfer onto its
// semaphore so the caller becomes the sole in-flight syscall through that
// object before releasing anything coarser -- follows original_source's
// port.c (find_portref/find_port) directly; sema.Sema.TransferFrom is this
// core's p_sema_v_lock. Queueing and wakeup shape a msg_send/msg_receive
// rendezvous the way port.c's callers (never shown complete in the
// original tree) are described doing in spec.md §4.7, since no msg.c
// survives in original_source to copy from directly.
package port

import (
	"sync"

	"github.com/google/uuid"

	"vsta/defs"
	"vsta/event"
	"vsta/hashtable"
	"vsta/sema"
	"vsta/seg"
	"vsta/stat"
)

// portFileMode marks an FS_STAT record as describing a port rather than
// an ordinary file, in the high bits of the mode word (the low bits are
// left zero -- this core has no permission-bit convention of its own).
const portFileMode = 1 << 16

// Op is a message operation code (spec.md §6's "op: 32-bit operation
// code"). The high bit is reserved for M_READ, set on operations that move
// data from server to client.
type Op int32

const mRead Op = 1 << 31

// IsRead reports whether op is a read-side operation.
func (op Op) IsRead() bool { return op&mRead != 0 }

// Standard operations every server must recognize (spec.md §6).
const (
	M_CONNECT Op = iota + 1
	M_DISCONNECT
	M_DUP
	M_ABORT
	M_ISR
	M_TIME
)

// FS_* operations; the read-side ones carry the M_READ bit.
const (
	_fsBase    Op = 100
	FS_OPEN       = _fsBase + 0
	FS_READ       = _fsBase + 1 | mRead
	FS_WRITE      = _fsBase + 2
	FS_SEEK       = _fsBase + 3
	FS_ABSREAD    = _fsBase + 4
	FS_ABSWRITE   = _fsBase + 5
	FS_STAT       = _fsBase + 6 | mRead
	FS_WSTAT      = _fsBase + 7
	FS_REMOVE     = _fsBase + 8
	FS_FID        = _fsBase + 9 | mRead
	FS_RENAME     = _fsBase + 10
)

// State is a portref's position in the state machine spec.md §4.7 draws:
// OPENING -> IODONE -> IOWAIT <-> ABWAIT/ABDONE -> IODONE/CLOSING.
type State int

const (
	Opening State = iota
	IoDone
	IoWait
	AbWait
	AbDone
	Closing
)

// Sysmsg is a message in flight between a portref and its port, carrying
// the ABI fields of spec.md §6 plus whatever segments accompany it.
type Sysmsg struct {
	Op   Op
	Arg  int64
	Arg1 int64
	Segs []*seg.Segment

	sender *Portref
}

// Port is a server's single message queue, identified system-wide by a
// kernel-assigned name (spec.md §6's port name space).
type Port struct {
	Name defs.PortName_t

	mu      sync.Mutex
	queue   []*Sysmsg
	waiters *sema.Sema // released once per enqueue

	// fidCache maps a file-id (from FS_FID) to the shared pset behind it,
	// per spec.md §4.7's "mapped-file cache on port". The value type is
	// left to the caller (a *pset.Pset in practice); stored as any here so
	// this package doesn't need to import pset for a feature orthogonal to
	// message queueing. Backed by hashtable.Hashtable_t rather than a plain
	// map+mutex: FS_FID lookups are the hot path of the mapped-file
	// protocol (every read/write re-resolves its fid), and the teacher's
	// hashtable gives lock-free Get against a handful of striped buckets
	// instead of one mutex serializing every lookup.
	fidMu     sync.RWMutex
	fidCache  *hashtable.Hashtable_t
	noMapMu   sync.Mutex
	noMapHash bool
}

var (
	portNamesMu sync.Mutex
	portNames   = map[string]defs.PortName_t{}
	nextName    defs.PortName_t = 1
)

// NewPort allocates a port, optionally under a globally unique name
// (spec.md §4.7's msg_port). An empty name still gets a fresh kernel
// identifier; a non-empty one is deduplicated against the process-wide
// namespace, matching the teacher's single-namer convention.
func NewPort(name string) *Port {
	p := &Port{
		waiters:  sema.New(0),
		fidCache: hashtable.MkHash(32),
	}
	portNamesMu.Lock()
	if name != "" {
		if existing, ok := portNames[name]; ok {
			p.Name = existing
		} else {
			p.Name = nextName
			nextName++
			portNames[name] = p.Name
		}
	} else {
		p.Name = nextName
		nextName++
	}
	portNamesMu.Unlock()
	return p
}

// Receive blocks until a message is queued, then dequeues and returns it
// (spec.md §4.7's msg_receive). Receive does not serialize its callers:
// several goroutines may wait on one port, and each queued message is
// dequeued by exactly one of them under the port's mutex.
//
// self is the calling thread's event-delivery state, or nil for internal
// callers that have no thread of their own (e.g. Dup's own M_DUP
// round-trip). When non-nil, the wait is registered with self via
// BeginSleep before it blocks, so a concurrent SignalThread can cancel it
// instead of the sleep being unreachable until it wakes on its own.
func (p *Port) Receive(pri sema.Priority, self *event.Thread) (*Sysmsg, defs.Err_t) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			m := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			if self != nil {
				self.SetState(event.OnProc)
			}
			return m, 0
		}
		p.mu.Unlock()

		if self == nil {
			if err := p.waiters.Acquire(pri); err != 0 {
				return nil, err
			}
			continue
		}
		w, done := p.waiters.AcquireCancellable(pri)
		if done {
			continue
		}
		self.BeginSleep(w)
		if err := w.Wait(pri); err != 0 {
			self.SetState(event.OnProc)
			return nil, err
		}
		self.SetState(event.OnProc)
	}
}

// enqueue appends a message and wakes one Receive waiter.
func (p *Port) enqueue(m *Sysmsg) {
	p.mu.Lock()
	p.queue = append(p.queue, m)
	p.mu.Unlock()
	p.waiters.Release()
}

// Portref is a client's handle onto one open connection through a port
// (spec.md §4.7). soleClient serializes every syscall a client issues
// through this handle, same as port.c's find_portref transfer onto
// p_sema.
type Portref struct {
	soleClient *sema.Sema

	mu    sync.Mutex
	state State
	port  *Port // nil once the server side has gone away
	id    uuid.UUID

	iowait *sema.Sema // released when a reply/abort-ack arrives
	reply  *Sysmsg
	replyErr defs.Err_t
}

// NewPortref allocates an unconnected portref in state Opening (port.c's
// alloc_portref).
func NewPortref() *Portref {
	return &Portref{
		soleClient: sema.New(1),
		iowait:     sema.New(0),
		state:      Opening,
		id:         uuid.New(),
	}
}

// ID returns the portref's process-wide-unique identity, used as the
// M_DUP/M_CONNECT payload key a server can hash its own per-connection
// state under.
func (pr *Portref) ID() uuid.UUID { return pr.id }

func (pr *Portref) setState(s State) {
	pr.mu.Lock()
	pr.state = s
	pr.mu.Unlock()
}

func (pr *Portref) State() State {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state
}

// Port returns the server-side port pr is currently connected to, or nil
// once it has been disconnected. Exec uses this to reach the port's
// FS_FID-keyed mapped-file cache (spec.md §4.7).
func (pr *Portref) Port() *Port {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.port
}

// Connect allocates a portref and sends M_CONNECT to target, carrying the
// caller's permission-array segment (spec.md §4.7's msg_connect). The
// portref remains Opening until the server calls Accept.
func Connect(target *Port, permSeg *seg.Segment) *Portref {
	pr := NewPortref()
	pr.port = target
	m := &Sysmsg{Op: M_CONNECT, Segs: segsOf(permSeg), sender: pr}
	target.enqueue(m)
	return pr
}

func segsOf(s *seg.Segment) []*seg.Segment {
	if s == nil {
		return nil
	}
	return []*seg.Segment{s}
}

// Accept installs a pending connection request, moving it from Opening to
// IoDone (spec.md §4.7's msg_accept, the only response to M_CONNECT).
func Accept(sender *Portref) {
	sender.setState(IoDone)
}

// Sender returns the portref that sent m, for a server loop to Accept an
// M_CONNECT or Reply/ReplyErr any other message.
func (m *Sysmsg) Sender() *Portref { return m.sender }

// Send single-threads through the portref's sole-client semaphore, builds
// and enqueues a sysmsg, then blocks on the portref's iowait semaphore
// until a reply or error arrives (spec.md §4.7's msg_send).
//
// self is the calling thread's event-delivery state, or nil for internal
// callers (Dup's own M_DUP round-trip has no thread of its own to
// register); see Receive for why self matters.
func (pr *Portref) Send(op Op, arg, arg1 int64, segs []*seg.Segment, self *event.Thread) (int64, []*seg.Segment, defs.Err_t) {
	if err := pr.soleClient.Acquire(sema.Catchable); err != 0 {
		return 0, nil, err
	}
	defer pr.soleClient.Release()

	pr.mu.Lock()
	target := pr.port
	pr.mu.Unlock()
	if target == nil {
		return 0, nil, -defs.EIO
	}

	pr.setState(IoWait)
	m := &Sysmsg{Op: op, Arg: arg, Arg1: arg1, Segs: segs, sender: pr}
	target.enqueue(m)

	if self == nil {
		if err := pr.iowait.Acquire(sema.Catchable); err != 0 {
			return 0, nil, err
		}
	} else {
		w, done := pr.iowait.AcquireCancellable(sema.Catchable)
		if !done {
			self.BeginSleep(w)
			if err := w.Wait(sema.Catchable); err != 0 {
				self.SetState(event.OnProc)
				return 0, nil, err
			}
			self.SetState(event.OnProc)
		}
	}

	pr.mu.Lock()
	reply, rerr := pr.reply, pr.replyErr
	pr.reply = nil
	pr.state = IoDone
	pr.mu.Unlock()
	if rerr != 0 {
		return 0, nil, rerr
	}
	return reply.Arg, reply.Segs, 0
}

// Reply completes a message the server previously dequeued via
// Port.Receive, delivering reply segments and waking the sender (spec.md
// §4.7's msg_reply).
func Reply(m *Sysmsg, arg int64, segs []*seg.Segment) {
	pr := m.sender
	pr.mu.Lock()
	if pr.state == AbWait {
		// superseded by an in-flight abort; the abort path owns delivery.
		pr.mu.Unlock()
		return
	}
	pr.reply = &Sysmsg{Arg: arg, Segs: segs}
	pr.replyErr = 0
	pr.mu.Unlock()
	pr.iowait.Release()
}

// ReplyErr completes a message with a server-supplied error (spec.md
// §4.7's msg_err).
func ReplyErr(m *Sysmsg, err defs.Err_t) {
	pr := m.sender
	pr.mu.Lock()
	if pr.state == AbWait {
		pr.mu.Unlock()
		return
	}
	pr.reply = &Sysmsg{}
	pr.replyErr = err
	pr.mu.Unlock()
	pr.iowait.Release()
}

// Abort moves pr from IoWait to AbWait and queues M_ABORT for the server,
// then returns without waiting. The blocked Send completes with -EINTR
// only once the server calls AckAbort (spec.md §4.7's abort semantics).
// While AbWait, any late reply to the original message is dropped by
// Reply/ReplyErr above.
func (pr *Portref) Abort() {
	pr.mu.Lock()
	if pr.state != IoWait {
		pr.mu.Unlock()
		return
	}
	pr.state = AbWait
	target := pr.port
	pr.mu.Unlock()
	if target == nil {
		return
	}
	target.enqueue(&Sysmsg{Op: M_ABORT, sender: pr})
}

// AckAbort is the server's acknowledgement of a dequeued M_ABORT message:
// it completes the original send with EINTR and returns the portref to
// IoDone.
func AckAbort(m *Sysmsg) {
	pr := m.sender
	pr.mu.Lock()
	pr.state = AbDone
	pr.reply = &Sysmsg{}
	pr.replyErr = -defs.EINTR
	pr.mu.Unlock()
	pr.iowait.Release()
}

// Disconnect sends M_DISCONNECT and detaches the portref from its port
// (spec.md §4.7's msg_disconnect).
func (pr *Portref) Disconnect() {
	pr.mu.Lock()
	target := pr.port
	pr.port = nil
	pr.state = Closing
	pr.mu.Unlock()
	if target != nil {
		target.enqueue(&Sysmsg{Op: M_DISCONNECT, sender: pr})
	}
}

// Dup requests the server duplicate its per-connection state onto a fresh
// portref over the same port (spec.md §4.7's clone, port.c's dup_port).
// The server observes an M_DUP sysmsg whose Arg the caller is expected to
// fill in with the new portref's identity via Reply.
func (pr *Portref) Dup() *Portref {
	pr.mu.Lock()
	target := pr.port
	pr.mu.Unlock()
	if target == nil {
		return nil
	}
	np := NewPortref()
	np.port = target
	np.setState(IoDone)
	arg, _, err := pr.Send(M_DUP, 0, 0, nil, nil)
	if err != 0 || arg < 0 {
		return nil
	}
	return np
}

// ServerGone walks every portref referencing port and wakes any blocked on
// iowait with an I/O error, since the server side has gone away (spec.md
// §4.7's "server-departure handling"). Callers track the set of live
// portrefs for a port themselves (e.g. in proc's open-portref table) and
// pass them in here; Port itself doesn't retain a reverse pointer to every
// portref, matching the arena-by-index approach spec.md §9 calls for
// instead of the teacher's back-pointers.
func ServerGone(refs []*Portref) {
	for _, pr := range refs {
		pr.mu.Lock()
		pr.port = nil
		wasWaiting := pr.state == IoWait || pr.state == AbWait
		pr.state = IoDone
		pr.reply = &Sysmsg{}
		pr.replyErr = -defs.EIO
		pr.mu.Unlock()
		if wasWaiting {
			pr.iowait.Release()
		}
	}
}

// StatLine renders an FS_STAT reply describing the port itself (as
// opposed to a file a server behind it exposes): its kernel-assigned name
// stands in for an inode number, size stays zero since a port has no byte
// length of its own. Servers that have nothing more specific to say about
// themselves -- D_PROF, D_STAT -- answer a client's FS_STAT against their
// control port with this instead of inventing their own encoding.
func (p *Port) StatLine() string {
	var st stat.Stat_t
	st.Wino(uint(p.Name))
	st.Wmode(portFileMode)
	st.Wsize(0)
	return st.Encode()
}

// FidLookup returns the cached pset for a file-id, if any (spec.md §4.7's
// mapped-file cache).
func (p *Port) FidLookup(fid int64) (any, bool) {
	p.fidMu.RLock()
	h := p.fidCache
	p.fidMu.RUnlock()
	return h.Get(int(fid))
}

// FidStore installs a pset in the mapped-file cache under fid.
func (p *Port) FidStore(fid int64, v any) {
	p.fidMu.RLock()
	h := p.fidCache
	p.fidMu.RUnlock()
	h.Set(int(fid), v)
}

// FidUnhash removes one cache entry (spec.md's unhash).
func (p *Port) FidUnhash(fid int64) {
	p.fidMu.RLock()
	h := p.fidCache
	p.fidMu.RUnlock()
	h.Del(int(fid))
}

// ExecCleanup dumps the entire cache on port shutdown (spec.md's
// exec_cleanup). Takes the write side of fidMu since it swaps the cache
// pointer itself, not just an entry within it, racing concurrent
// FidLookup/FidStore otherwise.
func (p *Port) ExecCleanup() {
	p.fidMu.Lock()
	p.fidCache = hashtable.MkHash(32)
	p.fidMu.Unlock()
}

// SetNoMapHash marks the port as no longer participating in the mapped-
// file cache (spec.md's NO_MAP_HASH flag).
func (p *Port) SetNoMapHash() {
	p.noMapMu.Lock()
	p.noMapHash = true
	p.noMapMu.Unlock()
}

// NoMapHash reports whether the port has been flagged NO_MAP_HASH.
func (p *Port) NoMapHash() bool {
	p.noMapMu.Lock()
	defer p.noMapMu.Unlock()
	return p.noMapHash
}
