package prof

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/accnt"
	"vsta/defs"
)

func TestBuildSampleShape(t *testing.T) {
	a := &accnt.Accnt_t{}
	a.Userns = 100
	a.Sysns = 50

	p := Build([]Sample{{Pid: 1, Tid: 2, Acct: a, Oink: 3}})

	require.Len(t, p.Sample, 1)
	assert.Equal(t, []int64{100, 50}, p.Sample[0].Value)
	assert.Equal(t, []string{"1"}, p.Sample[0].Label["pid"])
	assert.Equal(t, []string{"2"}, p.Sample[0].Label["tid"])
	assert.Equal(t, []string{"3"}, p.Sample[0].Label["oink"])
}

func TestEncodeRoundTrips(t *testing.T) {
	a := &accnt.Accnt_t{}
	a.Userns = 10
	a.Sysns = 20

	b, err := Encode([]Sample{{Pid: 1, Tid: 1, Acct: a}})
	require.Equal(t, defs.Err_t(0), err)
	require.NotEmpty(t, b)

	got, perr := profile.Parse(bytes.NewReader(b))
	require.NoError(t, perr)
	require.Len(t, got.Sample, 1)
}
