// redbpf-dump prints the maps and programs of a BPF object file without
// loading anything into the kernel. It exists to inspect what a compiled
// probe declares before handing it to redbpf-load.
package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mockersf/redbpf"
)

func main() {
	if err := newDumpCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "redbpf-dump OBJ",
		Short:        "Print the maps and programs of a BPF object file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := redbpf.LoadSpec(args[0])
			if err != nil {
				return err
			}

			dumpSpec(cmd.OutOrStdout(), spec)
			return nil
		},
	}
}

func dumpSpec(w io.Writer, spec *redbpf.ModuleSpec) {
	fmt.Fprintln(w, "Maps:")
	for _, name := range slices.Sorted(maps.Keys(spec.Maps)) {
		m := spec.Maps[name]
		fmt.Fprintf(w, "\t%s:\n", name)
		fmt.Fprintf(w, "\t\tType:       %s\n", m.Type)
		fmt.Fprintf(w, "\t\tKeySize:    %d\n", m.KeySize)
		fmt.Fprintf(w, "\t\tValueSize:  %d\n", m.ValueSize)
		fmt.Fprintf(w, "\t\tMaxEntries: %d\n", m.MaxEntries)
		fmt.Fprintf(w, "\t\tFlags:      %d\n", m.Flags)
	}

	fmt.Fprintln(w, "\nPrograms:")
	for _, name := range slices.Sorted(maps.Keys(spec.Programs)) {
		p := spec.Programs[name]
		fmt.Fprintf(w, "\t%s:\n", name)
		fmt.Fprintf(w, "\t\tHook:          %s\n", p.Hook)
		fmt.Fprintf(w, "\t\tLicense:       %s\n", p.License)
		fmt.Fprintf(w, "\t\tKernelVersion: %#x\n", p.KernelVersion)
		fmt.Fprintf(w, "\t\tInstructions:\n")
		for _, ins := range p.Instructions {
			fmt.Fprintf(w, "\t\t\t%s\n", ins)
		}
	}
}
