// Package prof serves the D_PROF device (defs.D_PROF): a per-proc/per-
// thread accounting snapshot exported as a github.com/google/pprof/profile
// Profile, the same shape any other file-like server in this core exposes
// over FS_READ. This has no direct analogue in original_source (VSTa's own
// "stat" device reported accounting as flat text); it is this repo's answer
// to SPEC_FULL.md's domain-stack entry binding accnt.Accnt_t and the
// scheduler's oink counters to a real profiling format instead of inventing
// another bespoke text encoding.
package prof

import (
	"bytes"
	"strconv"

	"github.com/google/pprof/profile"

	"vsta/accnt"
	"vsta/defs"
)

// Sample is one thread's accounting snapshot to fold into a profile.
type Sample struct {
	Pid  defs.Pid_t
	Tid  defs.Tid_t
	Acct *accnt.Accnt_t
	Oink int
}

// Build renders samples as a pprof Profile with two value types, user and
// system nanoseconds consumed, one Sample per thread, labeled by pid/tid/
// oink so `go tool pprof`'s label-based filtering works unmodified.
func Build(samples []Sample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}
	loc := &profile.Location{ID: 1}
	p.Location = []*profile.Location{loc}

	for i, s := range samples {
		s.Acct.Lock()
		userns := s.Acct.Userns
		sysns := s.Acct.Sysns
		s.Acct.Unlock()

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{userns, sysns},
			Label: map[string][]string{
				"pid":  {strconv.Itoa(int(s.Pid))},
				"tid":  {strconv.Itoa(int(s.Tid))},
				"oink": {strconv.Itoa(s.Oink)},
			},
			NumLabel: map[string][]int64{
				"index": {int64(i)},
			},
		})
	}
	return p
}

// Encode serializes samples as a gzip-compressed profile, the bytes an
// FS_READ against D_PROF returns.
func Encode(samples []Sample) ([]byte, defs.Err_t) {
	p := Build(samples)
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, -defs.EIO
	}
	return buf.Bytes(), 0
}
