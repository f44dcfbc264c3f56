package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/mem"
)

const testArenaPages = 128

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadTextAndDataImages(t *testing.T) {
	mem.Phys_init(testArenaPages)

	text := writeImage(t, "text.bin", []byte{0x90, 0x90, 0xC3})
	data := writeImage(t, "data.bin", []byte("hello"))

	task := Task{
		TextPath:   text,
		TextVaddr:  0x400000,
		TextPages:  1,
		DataPath:   data,
		DataVaddr:  0x600000,
		DataPages:  1,
		StackVaddr: 0x700000,
		Entry:      0x400000,
	}

	loaded, err := Load(task)
	require.Equal(t, 0, int(err))
	require.NotNil(t, loaded)
	assert.Equal(t, task.Entry, loaded.Entry)
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	mem.Phys_init(testArenaPages)

	big := make([]byte, mem.PGSIZE+1)
	text := writeImage(t, "big.bin", big)

	task := Task{
		TextPath:   text,
		TextVaddr:  0x400000,
		TextPages:  1,
		StackVaddr: 0x700000,
		Entry:      0x400000,
	}

	_, err := Load(task)
	assert.NotEqual(t, 0, int(err))
}

func TestDescribeIncludesPaths(t *testing.T) {
	task := Task{TextPath: "a.bin", DataPath: "b.bin", Entry: 0x1234}
	s := task.Describe()
	assert.Contains(t, s, "a.bin")
	assert.Contains(t, s, "b.bin")
}
