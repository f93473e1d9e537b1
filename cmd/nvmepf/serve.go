package main

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	nvmepf "github.com/ehrlich-b/go-nvmepf"
	"github.com/ehrlich-b/go-nvmepf/backend"
	"github.com/ehrlich-b/go-nvmepf/internal/config"
	"github.com/ehrlich-b/go-nvmepf/internal/hostmem"
	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/irq"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
	"github.com/ehrlich-b/go-nvmepf/internal/uring"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		opts       config.Options
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file (default: nvmepf.yaml in ., /etc/nvmepf, $HOME/.nvmepf)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&opts.Name, "name", "", "endpoint name")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /status on this address")
	f.StringVar(&opts.HostMemoryPath, "host-memory", "", "file shared with the host simulator as host memory")
	f.StringVar(&opts.RegistersPath, "registers", "", "file shared with the host simulator as the register BAR")
	return cmd
}

// resources collects everything serve opens so it can be released in
// reverse order.
type resources struct {
	closers []func() error
	logger  *logging.Logger
}

func (r *resources) add(name string, fn func() error) {
	r.closers = append(r.closers, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
		return nil
	})
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("cleanup failed", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewLogger(&logging.Config{
		Level:  cfg.Level(),
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)
	defer logger.Close()

	res := &resources{logger: logger}
	defer res.close()

	mem, err := openHostMemory(cfg)
	if err != nil {
		return err
	}
	res.add("host memory", mem.Close)

	loop, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	res.add("backend", loop.Close)

	params := nvmepf.DefaultParams(loop, mem)
	params.MDTS = cfg.MDTSKB * 1024
	params.MaxQueues = cfg.MaxQueues
	params.VendorID = cfg.VendorID
	params.RegisterPath = cfg.Registers.Path
	params.RegisterSize = cfg.Registers.SizeBytes
	params.RegisterPoll = cfg.Poll.RegisterInterval
	params.Poll = cfg.PollPolicy()
	params.BulkTimeout = cfg.DMA.Timeout
	params.BulkThreshold = cfg.DMA.Threshold
	params.IRQType = cfg.IRQType()
	params.IRQVectors = cfg.IRQ.Vectors

	switch cfg.DMA.Engine {
	case "memcpy":
		params.Bulk = &hostmem.CopyEngine{}
	case "uring":
		eng, err := uring.NewEngine(uring.Config{FD: mem.Fd(), Base: mem.Base()})
		if err != nil {
			return fmt.Errorf("bulk engine: %w", err)
		}
		res.add("bulk engine", eng.Close)
		params.Bulk = eng
	}

	params.Interrupter = openInterrupter(cfg, logger, res)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ep, err := nvmepf.New(params, &nvmepf.Options{
		Context: ctx,
		Name:    cfg.Name,
		Logger:  logger.WithEndpoint(cfg.Name),
	})
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	res.add("endpoint", ep.Stop)

	if err := ep.Start(); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}
	info := ep.Info()
	logger.Info("endpoint started",
		"name", info.Name,
		"queues", info.NumQueues,
		"mdts", formatSize(int64(info.MDTS)),
		"irq", info.IRQType,
		"bulk", info.BulkTransfers,
		"host_memory", formatSize(cfg.HostMemory.SizeBytes),
		"host_base", fmt.Sprintf("%#x", cfg.HostMemory.Base))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchStackDumps(gctx, os.TempDir(), ep, logger) })

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			nvmepf.NewPrometheusCollector(ep.Metrics(), cfg.Name),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newRouter(ep, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")
		return ep.Stop()
	})

	err = g.Wait()
	snap := ep.MetricsSnapshot()
	logger.Info("endpoint stopped",
		"commands", snap.TotalCommands,
		"errors", snap.TotalErrors,
		"read", formatSize(int64(snap.ReadBytes)),
		"written", formatSize(int64(snap.WriteBytes)),
		"uptime", time.Duration(snap.UptimeNs).Round(time.Second))
	return err
}

func openHostMemory(cfg *config.Config) (*hostmem.Memory, error) {
	hc := hostmem.Config{
		Base:       cfg.HostMemory.Base,
		Size:       int(cfg.HostMemory.SizeBytes),
		MaxWindows: cfg.HostMemory.MaxWindows,
	}
	if cfg.HostMemory.Path == "" {
		return hostmem.New(hc), nil
	}
	return hostmem.OpenFile(cfg.HostMemory.Path, hc)
}

func openBackend(cfg *config.Config, logger *logging.Logger) (*backend.Loop, error) {
	var (
		nss    []backend.NamespaceConfig
		stores []interfaces.Store
	)
	fail := func(err error) (*backend.Loop, error) {
		for _, s := range stores {
			s.Close()
		}
		return nil, err
	}

	for _, ns := range cfg.Backend.Namespaces {
		var store interfaces.Store
		if ns.Path == "" {
			store = backend.NewMemory(ns.SizeBytes)
		} else {
			f, err := backend.OpenFile(ns.Path, ns.SizeBytes)
			if err != nil {
				return fail(fmt.Errorf("namespace %d: %w", ns.NSID, err))
			}
			store = f
		}
		stores = append(stores, store)
		nss = append(nss, backend.NamespaceConfig{
			NSID:       ns.NSID,
			Store:      store,
			BlockShift: uint(bits.TrailingZeros(uint(ns.BlockSize))),
		})
		logger.WithNamespace(ns.NSID).Debug("namespace opened",
			"path", ns.Path, "size", formatSize(store.Size()), "block_size", ns.BlockSize)
	}

	loop, err := backend.NewLoop(backend.LoopConfig{
		Namespaces: nss,
		QueueCount: cfg.Backend.IOQueues + 1,
	})
	if err != nil {
		return fail(err)
	}
	return loop, nil
}

// openInterrupter prefers eventfds a host process can wait on and falls
// back to counting interrupts in process.
func openInterrupter(cfg *config.Config, logger *logging.Logger, res *resources) interfaces.Interrupter {
	efd, err := irq.NewEventFD(cfg.IRQ.Vectors)
	if err != nil {
		logger.Warn("eventfd interrupts unavailable, counting in process", "error", err)
		return irq.NewCounter(cfg.IRQ.Vectors)
	}
	res.add("eventfd", efd.Close)
	return efd
}
