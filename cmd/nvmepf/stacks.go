package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"
	"time"

	nvmepf "github.com/ehrlich-b/go-nvmepf"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
)

// watchStackDumps writes a goroutine dump into dir on every SIGUSR1 until ctx
// ends. It is meant to run in the serve errgroup and never fails it.
func watchStackDumps(ctx context.Context, dir string, ep *nvmepf.Endpoint, logger *logging.Logger) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		}

		path := filepath.Join(dir, fmt.Sprintf("nvmepf-stacks-%d.txt", time.Now().UnixNano()))
		f, err := os.Create(path)
		if err != nil {
			logger.Warn("cannot write stack dump", "error", err)
			continue
		}
		err = writeStackDump(f, ep.Info())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			logger.Warn("stack dump incomplete", "file", path, "error", err)
			continue
		}
		logger.Info("stack dump written", "file", path)
	}
}

// writeStackDump writes the endpoint state followed by every goroutine stack.
func writeStackDump(w io.Writer, info nvmepf.EndpointInfo) error {
	state, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "pid %d at %s\n%s\n\n", os.Getpid(), time.Now().Format(time.RFC3339), state); err != nil {
		return err
	}
	return pprof.Lookup("goroutine").WriteTo(w, 2)
}
