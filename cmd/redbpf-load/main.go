// redbpf-load loads a BPF object file, attaches its programs to the kernel
// and prints the events they emit until interrupted. It exists to test
// freshly built probes without writing a dedicated userspace program.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mockersf/redbpf"
	"github.com/mockersf/redbpf/perf"
	"github.com/mockersf/redbpf/rlimit"
)

func main() {
	if err := newLoadCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLoadCommand() *cobra.Command {
	var (
		iface           string
		xdpMode         string
		fallbackGeneric bool
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "redbpf-load [flags] OBJ",
		Short: "Load a BPF object file and print the events it emits",
		Long: `redbpf-load loads the maps and programs of a BPF object file into the
kernel, attaches kprobes and kretprobes to the kernel symbols they are
named after, binds XDP programs to the interface given with -i, and
prints every event emitted through perf event array maps until
interrupted.

Programs that need a runtime target, like uprobes and socket filters,
are loaded but not attached.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := zap.NewProductionConfig()
			if verbose {
				logCfg = zap.NewDevelopmentConfig()
			}
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()

			mode, err := parseXDPMode(xdpMode)
			if err != nil {
				return err
			}

			opts := redbpf.XDPOptions{Mode: mode, FallbackToGeneric: fallbackGeneric}
			return run(args[0], iface, opts, logger)
		},
	}

	cmd.Flags().StringVarP(&iface, "interface", "i", "", "bind XDP programs to this network interface")
	cmd.Flags().StringVar(&xdpMode, "xdp-mode", "default", "XDP attach mode (default, generic, driver, offload)")
	cmd.Flags().BoolVar(&fallbackGeneric, "fallback-generic", false, "retry XDP attach in generic mode when the requested mode is unsupported")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func parseXDPMode(s string) (redbpf.XDPMode, error) {
	switch s {
	case "", "default":
		return 0, nil
	case "generic":
		return redbpf.XDPGenericMode, nil
	case "driver":
		return redbpf.XDPDriverMode, nil
	case "offload":
		return redbpf.XDPOffloadMode, nil
	default:
		return 0, fmt.Errorf("unknown XDP mode %q", s)
	}
}

func run(path, iface string, xdpOpts redbpf.XDPOptions, logger *zap.Logger) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock limit: %w", err)
	}

	module, err := redbpf.LoadModule(path, &redbpf.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer module.Close()

	if err := attachPrograms(module, iface, xdpOpts, logger); err != nil {
		return err
	}

	readers, err := openReaders(module, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for name, rd := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dumpRecords(name, rd, logger)
		}()
	}

	logger.Info("loaded, waiting for events", zap.String("object", path))
	<-ctx.Done()

	// Closing a reader makes its blocked Read return ErrClosed, which ends
	// the dump goroutine.
	for _, rd := range readers {
		rd.Close()
	}
	wg.Wait()

	return module.Close()
}

// attachPrograms attaches every program of the module that carries its
// target in its name. kprobes and kretprobes are named after a kernel
// symbol, tracepoints after category/name, XDP programs bind to iface.
func attachPrograms(module *redbpf.Module, iface string, xdpOpts redbpf.XDPOptions, logger *zap.Logger) error {
	var ifindex int
	if iface != "" {
		netIf, err := net.InterfaceByName(iface)
		if err != nil {
			return fmt.Errorf("interface %s: %w", iface, err)
		}
		ifindex = netIf.Index
	}

	programs := module.Programs()
	for _, name := range slices.Sorted(maps.Keys(programs)) {
		prog := programs[name]

		switch prog.Hook() {
		case redbpf.KprobeHook:
			if _, err := module.AttachKprobe(prog, name); err != nil {
				return err
			}

		case redbpf.KretprobeHook:
			if _, err := module.AttachKretprobe(prog, name); err != nil {
				return err
			}

		case redbpf.TracepointHook:
			category, event, ok := strings.Cut(name, "/")
			if !ok {
				return fmt.Errorf("tracepoint %s: program name must be category/name", name)
			}
			if _, err := module.AttachTracepoint(prog, category, event); err != nil {
				return err
			}

		case redbpf.XDPHook:
			if ifindex == 0 {
				logger.Warn("skipping XDP program, no interface given",
					zap.String("program", name))
				continue
			}
			if _, err := module.AttachXDP(prog, ifindex, xdpOpts); err != nil {
				return err
			}

		default:
			logger.Warn("skipping program without an attachable target",
				zap.String("program", name),
				zap.Stringer("hook", prog.Hook()))
		}
	}

	return nil
}

// openReaders opens a perf reader on every perf event array of the module.
func openReaders(module *redbpf.Module, logger *zap.Logger) (map[string]*perf.Reader, error) {
	readers := make(map[string]*perf.Reader)

	moduleMaps := module.Maps()
	for _, name := range slices.Sorted(maps.Keys(moduleMaps)) {
		mp := moduleMaps[name]
		if mp.Type() != redbpf.PerfEventArray {
			continue
		}

		rd, err := perf.NewReaderWithOptions(mp, os.Getpagesize(), perf.ReaderOptions{Logger: logger})
		if err != nil {
			for _, open := range readers {
				open.Close()
			}
			return nil, fmt.Errorf("perf reader for map %s: %w", name, err)
		}

		readers[name] = rd
	}

	return readers, nil
}

// dumpRecords hexdumps records read from rd to stdout until rd is closed.
func dumpRecords(name string, rd *perf.Reader, logger *zap.Logger) {
	for {
		rec, err := rd.Read()
		if errors.Is(err, perf.ErrClosed) {
			return
		}
		if err != nil {
			logger.Warn("reading perf record",
				zap.String("map", name),
				zap.Error(err))
			continue
		}

		if rec.LostSamples > 0 {
			fmt.Printf("%s: lost %d samples\n", name, rec.LostSamples)
			continue
		}

		fmt.Printf("%s: cpu %d, %d bytes\n%s", name, rec.CPU, len(rec.RawSample), hex.Dump(rec.RawSample))
	}
}
