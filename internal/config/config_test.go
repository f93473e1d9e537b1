package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvmepf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "nvmepf0", cfg.Name)
	assert.Equal(t, logging.LevelInfo, cfg.Level())
	assert.Equal(t, constants.BARSize, cfg.Registers.SizeBytes)
	assert.Equal(t, uint64(1)<<32, cfg.HostMemory.Base)
	assert.Equal(t, int64(64<<20), cfg.HostMemory.SizeBytes)
	assert.Equal(t, "none", cfg.DMA.Engine, "dma disabled by default")
	assert.Equal(t, constants.BulkTimeout, cfg.DMA.Timeout)
	assert.Equal(t, 128, cfg.MDTSKB)
	assert.Equal(t, 16, cfg.MaxQueues)
	assert.Equal(t, uint16(constants.DefaultVendorID), cfg.VendorID)
	assert.Equal(t, interfaces.IRQTypeMSIX, cfg.IRQType())
	assert.Equal(t, constants.RegisterPollInterval, cfg.Poll.RegisterInterval)

	require.Len(t, cfg.Backend.Namespaces, 1)
	ns := cfg.Backend.Namespaces[0]
	assert.Equal(t, uint32(1), ns.NSID)
	assert.Equal(t, int64(64<<20), ns.SizeBytes)
	assert.Equal(t, 512, ns.BlockSize)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
name: ep1
log_level: debug
log_format: json
host_memory:
  base: 0x80000000
  size: 256M
dma:
  enable: true
  engine: memcpy
  timeout: 250ms
mdts_kb: 4096
max_queues: 4
irq:
  type: msi
  vectors: 8
poll:
  io_interval: 500us
backend:
  io_queues: 3
  namespaces:
    - nsid: 1
      size: 1G
      block_size: 4096
    - nsid: 2
      path: /var/lib/nvmepf/ns2.img
metrics:
  addr: 127.0.0.1:9102
`)
	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "ep1", cfg.Name)
	assert.Equal(t, logging.LevelDebug, cfg.Level())
	assert.Equal(t, uint64(0x80000000), cfg.HostMemory.Base)
	assert.Equal(t, int64(256<<20), cfg.HostMemory.SizeBytes)
	assert.Equal(t, "memcpy", cfg.DMA.Engine)
	assert.Equal(t, 250*time.Millisecond, cfg.DMA.Timeout)
	assert.Equal(t, 1024, cfg.MDTSKB, "mdts clamps to 1 MiB")
	assert.Equal(t, 4, cfg.MaxQueues)
	assert.Equal(t, interfaces.IRQTypeMSI, cfg.IRQType())
	assert.Equal(t, 500*time.Microsecond, cfg.PollPolicy().IOInterval)
	assert.Equal(t, "127.0.0.1:9102", cfg.Metrics.Addr)

	require.Len(t, cfg.Backend.Namespaces, 2)
	assert.Equal(t, int64(1<<30), cfg.Backend.Namespaces[0].SizeBytes)
	assert.Equal(t, 512, cfg.Backend.Namespaces[1].BlockSize)
	assert.Zero(t, cfg.Backend.Namespaces[1].SizeBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NVMEPF_MAX_QUEUES", "8")
	t.Setenv("NVMEPF_IRQ_TYPE", "intx")
	path := writeConfig(t, "name: from-file\n")

	cfg, err := Load(path, Options{
		Verbose:        true,
		Name:           "from-flag",
		HostMemoryPath: "/dev/shm/host",
		MetricsAddr:    ":9100",
	})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Name)
	assert.Equal(t, logging.LevelDebug, cfg.Level())
	assert.Equal(t, 8, cfg.MaxQueues)
	assert.Equal(t, interfaces.IRQTypeINTx, cfg.IRQType())
	assert.Equal(t, "/dev/shm/host", cfg.HostMemory.Path)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"log level", "log_level: loud", "log_level"},
		{"log format", "log_format: xml", "log_format"},
		{"registers too small", "registers:\n  size: 4K", "registers.size"},
		{"host memory size", "host_memory:\n  size: lots", "host_memory.size"},
		{"dma engine", "dma:\n  enable: true\n  engine: ioat", "dma.engine"},
		{"uring without file", "dma:\n  enable: true\n  engine: uring", "file-backed"},
		{"mdts not power of two", "mdts_kb: 96", "mdts_kb"},
		{"mdts too small", "mdts_kb: 2", "mdts_kb"},
		{"too many queues", "max_queues: 17", "max_queues"},
		{"too few queues", "max_queues: 1", "max_queues"},
		{"irq type", "irq:\n  type: legacy", "irq.type"},
		{"msi vectors", "irq:\n  type: msi\n  vectors: 33", "irq.vectors"},
		{"msix no vectors", "irq:\n  vectors: 0", "irq.vectors"},
		{"io queues", "backend:\n  io_queues: 0", "io_queues"},
		{"nsid zero", "backend:\n  namespaces:\n    - nsid: 0\n      size: 1M", "invalid nsid"},
		{"duplicate nsid", "backend:\n  namespaces:\n    - nsid: 1\n      size: 1M\n    - nsid: 1\n      size: 1M", "duplicate"},
		{"block size", "backend:\n  namespaces:\n    - nsid: 1\n      size: 1M\n      block_size: 1000", "block_size"},
		{"memory ns without size", "backend:\n  namespaces:\n    - nsid: 1", "needs a size"},
		{"unaligned size", "backend:\n  namespaces:\n    - nsid: 1\n      size: 1000\n      block_size: 512", "multiple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body+"\n"), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512K", 512 << 10, false},
		{"64M", 64 << 20, false},
		{"64m", 64 << 20, false},
		{"1G", 1 << 30, false},
		{"2T", 2 << 40, false},
		{"16MiB", 16 << 20, false},
		{"4KB", 4 << 10, false},
		{"0x2000", 0x2000, false},
		{"0x1B", 0x1b, false},
		{"", 0, true},
		{"-1M", 0, true},
		{"12Q", 0, true},
		{"9999999999T", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
