package redbpf

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/mockersf/redbpf/internal"
)

// Options control how a Module is assembled.
type Options struct {
	// Logger receives debug output for the load pipeline and warnings for
	// teardown failures. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Module holds the kernel objects created from a ModuleSpec and owns their
// teardown.
//
// It tracks every attachment made through it and detaches leftovers on
// Close, so a single Close call returns the kernel to its prior state.
type Module struct {
	logger *zap.Logger

	// Populated during NewModule, read-only afterwards.
	programs map[string]*Program
	maps     map[string]*Map

	mu          sync.Mutex
	attachments map[attachKey]attachment
	attachOrder []attachKey
	closed      bool

	symbols *internal.SymbolsCache
}

// NewModule creates all maps of the spec, resolves map references and loads
// all programs into the kernel.
//
// Either every object loads, or none: on any failure the objects created so
// far are closed before the error is returned. A nil opts is valid.
//
// Rejected programs return a *VerifierError.
func NewModule(spec *ModuleSpec, opts *Options) (*Module, error) {
	logger := zap.NewNop()
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}

	m := &Module{
		logger:      logger,
		programs:    make(map[string]*Program, len(spec.Programs)),
		maps:        make(map[string]*Map, len(spec.Maps)),
		attachments: make(map[attachKey]attachment),
		symbols:     internal.NewSymbolsCache(),
	}

	for _, name := range slices.Sorted(maps.Keys(spec.Maps)) {
		mp, err := newMap(spec.Maps[name])
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("map %s: %w", name, err)
		}

		m.maps[name] = mp
		logger.Debug("created map",
			zap.String("map", name),
			zap.Stringer("type", mp.Type()),
			zap.Int("fd", mp.FD()))
	}

	for _, name := range slices.Sorted(maps.Keys(spec.Programs)) {
		// Work on a copy so that rewriting map references doesn't
		// clobber the spec, which stays loadable into another Module.
		progSpec := spec.Programs[name].Copy()

		if err := resolveMapReferences(progSpec.Instructions, m.maps); err != nil {
			m.Close()
			return nil, fmt.Errorf("program %s: %w", name, err)
		}

		prog, err := loadProgram(progSpec)
		if err != nil {
			m.Close()
			return nil, err
		}

		m.programs[name] = prog
		logger.Debug("loaded program",
			zap.String("program", name),
			zap.Stringer("hook", prog.Hook()),
			zap.Int("fd", prog.FD()))
	}

	return m, nil
}

// LoadModule reads an object file from path and loads its maps and programs
// into the kernel. See NewModule.
func LoadModule(path string, opts *Options) (*Module, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}

	return NewModule(spec, opts)
}

// Map returns the map with the given name, or nil if the object file didn't
// define it. The handle is shared with the Module and closed by Module.Close;
// use Map.Clone for a handle that outlives the Module.
func (m *Module) Map(name string) *Map {
	return m.maps[name]
}

// Program returns the program with the given name, or nil if the object file
// didn't define it.
func (m *Module) Program(name string) *Program {
	return m.programs[name]
}

// Maps returns all maps of the module, keyed by name.
func (m *Module) Maps() map[string]*Map {
	return maps.Clone(m.maps)
}

// Programs returns all programs of the module, keyed by name.
func (m *Module) Programs() map[string]*Program {
	return maps.Clone(m.programs)
}

// register records the attachment produced by fn under key, rejecting
// duplicate keys before fn runs.
func (m *Module) register(key attachKey, fn func() (attachment, error)) (Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("module: %w", os.ErrClosed)
	}

	if _, ok := m.attachments[key]; ok {
		return nil, fmt.Errorf("program %s is attached to %s: %w", key.program, key.target, ErrAlreadyAttached)
	}

	a, err := fn()
	if err != nil {
		return nil, err
	}

	m.attachments[key] = a
	m.attachOrder = append(m.attachOrder, key)

	m.logger.Debug("attached program",
		zap.String("program", key.program),
		zap.String("target", key.target))

	return a, nil
}

// detach tears down the attachment known under key. Keys already removed,
// by an earlier Detach or by Close, are a no-op.
func (m *Module) detach(key attachKey) error {
	m.mu.Lock()
	a, ok := m.attachments[key]
	if ok {
		delete(m.attachments, key)
		if i := slices.Index(m.attachOrder, key); i >= 0 {
			m.attachOrder = slices.Delete(m.attachOrder, i, i+1)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	return a.close()
}

// Close detaches all attachments in reverse order of attachment, then
// unloads all programs and closes all maps.
//
// Calling Close twice is a no-op.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error

	// Detach before unloading, so no hook fires a program whose maps are
	// about to disappear. Reverse order unwinds dependencies the same way
	// defer would.
	for i := len(m.attachOrder) - 1; i >= 0; i-- {
		key := m.attachOrder[i]
		if err := m.attachments[key].close(); err != nil {
			m.logger.Warn("detach failed during teardown",
				zap.String("program", key.program),
				zap.String("target", key.target),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("detach %s from %s: %w", key.program, key.target, err))
		}
	}
	m.attachments = nil
	m.attachOrder = nil

	for name, prog := range m.programs {
		if err := prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("program %s: %w", name, err))
		}
	}

	for name, mp := range m.maps {
		if err := mp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("map %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
