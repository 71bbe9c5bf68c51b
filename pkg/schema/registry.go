package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/pkg/logger"
)

// ErrCubeNotFound is returned when a query references an unknown cube.
var ErrCubeNotFound = errors.New("cube not found")

// definitionSet is one immutable generation of cube definitions. Reloads
// build a fresh set and swap the pointer; readers always see a complete
// generation, never a mix.
type definitionSet struct {
	version string
	cubes   map[string]*CubeDefinition
}

// Registry serves cube definitions to the compiler. Safe for concurrent use.
type Registry struct {
	set    atomic.Pointer[definitionSet]
	logger logger.Logger
}

type RegistryOption func(*Registry)

func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewNoopLogger()
	}
	r.set.Store(&definitionSet{version: "empty", cubes: map[string]*CubeDefinition{}})
	return r
}

// Load validates the definitions and atomically replaces the active set.
// On validation failure the previously active set stays in force.
func (r *Registry) Load(cubes []CubeDefinition) error {
	if err := validateSet(cubes); err != nil {
		r.logger.Error("schema reload rejected", zap.Error(err))
		return err
	}

	next := &definitionSet{
		version: ulid.Make().String(),
		cubes:   make(map[string]*CubeDefinition, len(cubes)),
	}
	for i := range cubes {
		c := cubes[i]
		next.cubes[c.Name] = &c
	}

	r.set.Store(next)
	r.logger.Info("schema loaded",
		zap.String("schema_version", next.version),
		zap.Int("cubes", len(next.cubes)),
	)
	return nil
}

// LoadYAML parses and loads a YAML schema document.
func (r *Registry) LoadYAML(data []byte) error {
	cubes, err := ParseCubes(data)
	if err != nil {
		return err
	}
	return r.Load(cubes)
}

// LoadDir loads every *.yaml/*.yml file under dir as one definition set.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var all []CubeDefinition
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", name, err)
		}
		cubes, err := ParseCubes(data)
		if err != nil {
			return fmt.Errorf("schema file %s: %w", name, err)
		}
		all = append(all, cubes...)
	}

	return r.Load(all)
}

// Snapshot pins the active definition set. A caller making several lookups
// that must agree on one generation (the compiler, most importantly) takes a
// snapshot once and resolves everything against it; a concurrent reload does
// not affect snapshots already taken.
type Snapshot struct {
	set *definitionSet
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{set: r.set.Load()}
}

// GetCube returns the named cube from the snapshot's generation.
func (s Snapshot) GetCube(name string) (*CubeDefinition, error) {
	c, ok := s.set.cubes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCubeNotFound, name)
	}
	return c, nil
}

// Cubes returns the snapshot's definitions, keyed by cube name. The returned
// map must not be mutated.
func (s Snapshot) Cubes() map[string]*CubeDefinition {
	return s.set.cubes
}

// Version identifies the snapshot's generation.
func (s Snapshot) Version() string {
	return s.set.version
}

// GetCube returns the named cube from the active definition set.
func (r *Registry) GetCube(name string) (*CubeDefinition, error) {
	return r.Snapshot().GetCube(name)
}

// Cubes returns the active definition set, keyed by cube name. The returned
// map must not be mutated.
func (r *Registry) Cubes() map[string]*CubeDefinition {
	return r.Snapshot().Cubes()
}

// Version identifies the active definition set generation.
func (r *Registry) Version() string {
	return r.Snapshot().Version()
}
