// Package config loads the endpoint daemon configuration.
package config

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-nvmepf/internal/constants"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
	"github.com/ehrlich-b/go-nvmepf/internal/queue"
)

// Config is the daemon configuration
type Config struct {
	// Name identifies the endpoint in logs and metrics
	Name string `mapstructure:"name"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Registers  RegistersConfig  `mapstructure:"registers"`
	HostMemory HostMemoryConfig `mapstructure:"host_memory"`
	DMA        DMAConfig        `mapstructure:"dma"`
	IRQ        IRQConfig        `mapstructure:"irq"`
	Poll       PollConfig       `mapstructure:"poll"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	// MDTSKB is the maximum data transfer size in KiB. 0 selects 128.
	MDTSKB int `mapstructure:"mdts_kb"`

	// MaxQueues caps the queue count (admin included)
	MaxQueues int `mapstructure:"max_queues"`

	// VendorID is reported in identify VID and SSVID
	VendorID uint16 `mapstructure:"vendor_id"`
}

// RegistersConfig places the BAR
type RegistersConfig struct {
	// Path of a file shared with the host side. Empty keeps the BAR in
	// process memory.
	Path string `mapstructure:"path"`
	Size string `mapstructure:"size"`

	SizeBytes int `mapstructure:"-"`
}

// HostMemoryConfig describes the emulated host PCI address range
type HostMemoryConfig struct {
	Path       string `mapstructure:"path"`
	Base       uint64 `mapstructure:"base"`
	Size       string `mapstructure:"size"`
	MaxWindows int    `mapstructure:"max_windows"`

	SizeBytes int64 `mapstructure:"-"`
}

// DMAConfig selects the bulk copy engine
type DMAConfig struct {
	Enable bool `mapstructure:"enable"`
	// Engine is "none", "uring" or "memcpy"
	Engine    string        `mapstructure:"engine"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold int           `mapstructure:"threshold"`
}

// IRQConfig selects the interrupt mechanism
type IRQConfig struct {
	// Type is "msix", "msi" or "intx"
	Type    string `mapstructure:"type"`
	Vectors int    `mapstructure:"vectors"`
}

// PollConfig tunes register and queue polling
type PollConfig struct {
	RegisterInterval time.Duration `mapstructure:"register_interval"`
	AdminInterval    time.Duration `mapstructure:"admin_interval"`
	IOInterval       time.Duration `mapstructure:"io_interval"`
	SpinWindow       time.Duration `mapstructure:"spin_window"`
}

// BackendConfig configures the loop backend controller
type BackendConfig struct {
	// IOQueues is the number of I/O queues the backend offers
	IOQueues   int               `mapstructure:"io_queues"`
	Namespaces []NamespaceConfig `mapstructure:"namespaces"`
}

// NamespaceConfig is one backend namespace. An empty Path keeps the data
// in memory.
type NamespaceConfig struct {
	NSID      uint32 `mapstructure:"nsid"`
	Path      string `mapstructure:"path"`
	Size      string `mapstructure:"size"`
	BlockSize int    `mapstructure:"block_size"`

	SizeBytes int64 `mapstructure:"-"`
}

// MetricsConfig configures the metrics listener
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `mapstructure:"addr"`
}

// Options are command line overrides
type Options struct {
	Verbose        bool
	Name           string
	MetricsAddr    string
	HostMemoryPath string
	RegistersPath  string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("nvmepf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nvmepf")
		v.AddConfigPath("$HOME/.nvmepf")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("NVMEPF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Verbose {
		v.Set("log_level", "debug")
	}
	if opts.Name != "" {
		v.Set("name", opts.Name)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.addr", opts.MetricsAddr)
	}
	if opts.HostMemoryPath != "" {
		v.Set("host_memory.path", opts.HostMemoryPath)
	}
	if opts.RegistersPath != "" {
		v.Set("registers.path", opts.RegistersPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "nvmepf0")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("registers.path", "")
	v.SetDefault("registers.size", strconv.Itoa(constants.BARSize))

	v.SetDefault("host_memory.path", "")
	v.SetDefault("host_memory.base", uint64(1)<<32)
	v.SetDefault("host_memory.size", "64M")
	v.SetDefault("host_memory.max_windows", 64)

	v.SetDefault("dma.enable", false)
	v.SetDefault("dma.engine", "memcpy")
	v.SetDefault("dma.timeout", constants.BulkTimeout)
	v.SetDefault("dma.threshold", constants.BulkThreshold)

	v.SetDefault("mdts_kb", constants.DefaultMDTS/1024)
	v.SetDefault("max_queues", constants.MaxQueues)
	v.SetDefault("vendor_id", constants.DefaultVendorID)

	v.SetDefault("irq.type", "msix")
	v.SetDefault("irq.vectors", constants.MaxQueues)

	v.SetDefault("poll.register_interval", constants.RegisterPollInterval)
	v.SetDefault("poll.admin_interval", constants.AdminPollInterval)
	v.SetDefault("poll.io_interval", constants.IOPollInterval)
	v.SetDefault("poll.spin_window", constants.IOSpinWindow)

	v.SetDefault("backend.io_queues", constants.MaxQueues-1)
	v.SetDefault("backend.namespaces", []map[string]any{
		{"nsid": 1, "size": "64M", "block_size": 512},
	})

	v.SetDefault("metrics.addr", "")
}

func (c *Config) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q: want json or text", c.LogFormat)
	}

	size, err := ParseSize(c.Registers.Size)
	if err != nil {
		return fmt.Errorf("invalid registers.size: %w", err)
	}
	if size < constants.BARSize {
		return fmt.Errorf("registers.size %d is smaller than the %#x byte BAR", size, constants.BARSize)
	}
	c.Registers.SizeBytes = int(size)

	if c.HostMemory.SizeBytes, err = ParseSize(c.HostMemory.Size); err != nil {
		return fmt.Errorf("invalid host_memory.size: %w", err)
	}
	if c.HostMemory.SizeBytes <= 0 {
		return fmt.Errorf("host_memory.size must be positive")
	}
	if c.HostMemory.Base > ^uint64(0)-uint64(c.HostMemory.SizeBytes) {
		return fmt.Errorf("host_memory range %#x+%d overflows", c.HostMemory.Base, c.HostMemory.SizeBytes)
	}
	if c.HostMemory.MaxWindows < 0 {
		return fmt.Errorf("host_memory.max_windows must not be negative")
	}

	if !c.DMA.Enable {
		c.DMA.Engine = "none"
	}
	switch c.DMA.Engine {
	case "none", "uring", "memcpy":
	default:
		return fmt.Errorf("invalid dma.engine %q: want none, uring or memcpy", c.DMA.Engine)
	}
	if c.DMA.Engine == "uring" && c.HostMemory.Path == "" {
		return fmt.Errorf("dma.engine uring needs a file-backed host_memory.path")
	}
	if c.DMA.Timeout <= 0 {
		c.DMA.Timeout = constants.BulkTimeout
	}
	if c.DMA.Threshold < 0 {
		return fmt.Errorf("dma.threshold must not be negative")
	}

	if c.MDTSKB == 0 {
		c.MDTSKB = constants.DefaultMDTS / 1024
	}
	if c.MDTSKB > constants.MaxMDTS/1024 {
		c.MDTSKB = constants.MaxMDTS / 1024
	}
	if c.MDTSKB < 4 || bits.OnesCount(uint(c.MDTSKB)) != 1 {
		return fmt.Errorf("mdts_kb %d must be a power of two of at least 4", c.MDTSKB)
	}

	if c.MaxQueues < constants.MinQueues || c.MaxQueues > constants.MaxQueues {
		return fmt.Errorf("max_queues %d out of range [%d, %d]", c.MaxQueues, constants.MinQueues, constants.MaxQueues)
	}

	switch c.IRQ.Type {
	case "intx":
	case "msi":
		if c.IRQ.Vectors < 1 || c.IRQ.Vectors > 32 {
			return fmt.Errorf("irq.vectors %d out of range for msi", c.IRQ.Vectors)
		}
	case "msix":
		if c.IRQ.Vectors < 1 || c.IRQ.Vectors > 2048 {
			return fmt.Errorf("irq.vectors %d out of range for msix", c.IRQ.Vectors)
		}
	default:
		return fmt.Errorf("invalid irq.type %q: want msix, msi or intx", c.IRQ.Type)
	}

	if c.Poll.RegisterInterval <= 0 || c.Poll.AdminInterval <= 0 || c.Poll.IOInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Poll.SpinWindow < 0 {
		return fmt.Errorf("poll.spin_window must not be negative")
	}

	if c.Backend.IOQueues < 1 {
		return fmt.Errorf("backend.io_queues must be at least 1")
	}
	if len(c.Backend.Namespaces) == 0 {
		return fmt.Errorf("backend.namespaces must list at least one namespace")
	}
	seen := make(map[uint32]bool, len(c.Backend.Namespaces))
	for i := range c.Backend.Namespaces {
		ns := &c.Backend.Namespaces[i]
		if ns.NSID == 0 || ns.NSID == 0xffffffff {
			return fmt.Errorf("backend.namespaces[%d]: invalid nsid %d", i, ns.NSID)
		}
		if seen[ns.NSID] {
			return fmt.Errorf("backend.namespaces[%d]: duplicate nsid %d", i, ns.NSID)
		}
		seen[ns.NSID] = true

		if ns.BlockSize == 0 {
			ns.BlockSize = 512
		}
		if ns.BlockSize < 512 || ns.BlockSize > 65536 || bits.OnesCount(uint(ns.BlockSize)) != 1 {
			return fmt.Errorf("backend.namespaces[%d]: invalid block_size %d", i, ns.BlockSize)
		}
		if ns.Size != "" {
			if ns.SizeBytes, err = ParseSize(ns.Size); err != nil {
				return fmt.Errorf("backend.namespaces[%d]: invalid size: %w", i, err)
			}
		}
		if ns.Path == "" && ns.SizeBytes <= 0 {
			return fmt.Errorf("backend.namespaces[%d]: memory namespace needs a size", i)
		}
		if ns.SizeBytes%int64(ns.BlockSize) != 0 {
			return fmt.Errorf("backend.namespaces[%d]: size %d is not a multiple of block_size", i, ns.SizeBytes)
		}
	}

	return nil
}

// Level returns the parsed log level
func (c *Config) Level() logging.LogLevel {
	lvl, _ := logging.ParseLevel(c.LogLevel)
	return lvl
}

// IRQType returns the configured interrupt mechanism
func (c *Config) IRQType() interfaces.IRQType {
	switch c.IRQ.Type {
	case "msi":
		return interfaces.IRQTypeMSI
	case "intx":
		return interfaces.IRQTypeINTx
	default:
		return interfaces.IRQTypeMSIX
	}
}

// PollPolicy returns the queue polling policy
func (c *Config) PollPolicy() queue.PollPolicy {
	p := queue.DefaultPollPolicy()
	p.AdminInterval = c.Poll.AdminInterval
	p.IOInterval = c.Poll.IOInterval
	p.SpinWindow = c.Poll.SpinWindow
	return p
}

// ParseSize parses a size string like "64M", "1G", "512K" or a plain byte
// count. Hex byte counts are accepted with a 0x prefix.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0X") {
		s = strings.TrimSuffix(s, "B")
		s = strings.TrimSuffix(s, "I")
	}

	var multiplier int64 = 1
	var numStr string

	if strings.HasPrefix(s, "0X") {
		numStr = s
	} else if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else if strings.HasSuffix(s, "T") {
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "T")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 0, 64)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if num > (1<<63-1)/multiplier {
		return 0, fmt.Errorf("size %q overflows", s)
	}

	return num * multiplier, nil
}
