package hostmem

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

const testBase = 0x8000_0000

func TestMapCopyUnmap(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 64 * 1024})

	w, err := mem.Map(testBase+4096, 8192)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase+4096), w.PCIAddr())
	assert.Equal(t, 8192, w.Size())
	assert.Equal(t, 1, mem.Mapped())

	src := bytes.Repeat([]byte{0xa5}, 100)
	require.NoError(t, w.CopyTo(10, src))

	got := make([]byte, 100)
	require.NoError(t, mem.ReadAt(got, testBase+4096+10))
	assert.Equal(t, src, got)

	back := make([]byte, 100)
	require.NoError(t, w.CopyFrom(back, 10))
	assert.Equal(t, src, back)

	require.NoError(t, mem.Unmap(w))
	assert.Equal(t, 0, mem.Mapped())
	assert.Error(t, mem.Unmap(w), "double unmap must fail")
}

func TestMapOutOfRange(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 4096})

	tests := []struct {
		name string
		addr uint64
		size int
	}{
		{"below base", testBase - 1, 16},
		{"past end", testBase + 4000, 200},
		{"zero size", testBase, 0},
		{"way past end", testBase + 1<<40, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mem.Map(tt.addr, tt.size)
			assert.Error(t, err)
			assert.Equal(t, 0, mem.Mapped())
		})
	}
}

func TestWindowBudget(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 16384, MaxWindows: 2})

	w1, err := mem.Map(testBase, 16)
	require.NoError(t, err)
	w2, err := mem.Map(testBase+16, 16)
	require.NoError(t, err)

	_, err = mem.Map(testBase+32, 16)
	assert.True(t, errors.Is(err, interfaces.ErrNoWindow))

	require.NoError(t, mem.Unmap(w1))
	w3, err := mem.Map(testBase+32, 16)
	require.NoError(t, err)

	require.NoError(t, mem.Unmap(w2))
	require.NoError(t, mem.Unmap(w3))
}

func TestShortWindow(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 16384, MaxWindowSize: 4096})

	w, err := mem.Map(testBase, 10000)
	require.NoError(t, err)
	assert.Equal(t, 4096, w.Size())
	assert.Error(t, w.CopyTo(4000, make([]byte, 200)), "copy past the window must fail")
	require.NoError(t, mem.Unmap(w))
}

func TestForeignWindow(t *testing.T) {
	a := New(Config{Base: testBase, Size: 4096})
	b := New(Config{Base: testBase, Size: 4096})

	w, err := a.Map(testBase, 64)
	require.NoError(t, err)
	assert.Error(t, b.Unmap(w))
	require.NoError(t, a.Unmap(w))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostmem")

	mem, err := OpenFile(path, Config{Base: testBase, Size: 8192})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mem.Fd(), 0)

	require.NoError(t, mem.WriteAt([]byte("shared"), testBase+100))
	require.NoError(t, mem.Close())

	// A second mapping of the same file sees the bytes.
	again, err := OpenFile(path, Config{Base: testBase, Size: 8192})
	require.NoError(t, err)
	defer again.Close()

	got := make([]byte, 6)
	require.NoError(t, again.ReadAt(got, testBase+100))
	assert.Equal(t, "shared", string(got))
}

func TestCopyEngine(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 16384})
	eng := &CopyEngine{}

	w, err := mem.Map(testBase, 8192)
	require.NoError(t, err)
	defer mem.Unmap(w)

	src := bytes.Repeat([]byte{0x3c}, 8192)
	op, err := eng.Start(interfaces.DirToHost, w, src)
	require.NoError(t, err)
	require.NoError(t, <-op.Done())

	dst := make([]byte, 8192)
	op, err = eng.Start(interfaces.DirFromHost, w, dst)
	require.NoError(t, err)
	require.NoError(t, <-op.Done())
	assert.Equal(t, src, dst)
	assert.Equal(t, uint64(2), eng.Started())

	_, err = eng.Start(interfaces.DirFromHost, w, make([]byte, 9000))
	assert.Error(t, err)
}

func TestCopyEngineCancel(t *testing.T) {
	mem := New(Config{Base: testBase, Size: 4096})
	eng := &CopyEngine{Delay: time.Hour}

	w, err := mem.Map(testBase, 4096)
	require.NoError(t, err)
	defer mem.Unmap(w)

	op, err := eng.Start(interfaces.DirToHost, w, make([]byte, 4096))
	require.NoError(t, err)
	op.Cancel()
	op.Cancel()

	select {
	case err := <-op.Done():
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled copy never finished")
	}
	assert.Equal(t, uint64(1), eng.Canceled())
}
