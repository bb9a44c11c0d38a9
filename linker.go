package redbpf

import (
	"fmt"

	"github.com/mockersf/redbpf/asm"
)

// resolveMapReferences patches the file descriptor of the map named by each
// marked instruction into its immediate.
//
// Resolution is idempotent: running it twice against the same maps yields
// identical instructions. A reference to a map that doesn't exist returns
// ErrUnresolvedReloc.
func resolveMapReferences(insns asm.Instructions, maps map[string]*Map) error {
	for i := range insns {
		ins := &insns[i]
		if ins.Reference == "" {
			continue
		}

		m, ok := maps[ins.Reference]
		if !ok {
			return fmt.Errorf("instruction %d references map %s: %w", i, ins.Reference, ErrUnresolvedReloc)
		}

		if err := ins.RewriteMapFD(m.FD()); err != nil {
			return fmt.Errorf("instruction %d: rewrite map %s: %w", i, ins.Reference, err)
		}
	}

	return nil
}
