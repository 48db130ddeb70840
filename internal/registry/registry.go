// Package registry indexes the access method factories by implementation
// name, storage format and conglomerate id tag.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// LoaderFunc boots an optional access method module on first use
type LoaderFunc func(props model.Properties) (spi.MethodFactory, error)

// Registry maps implementation names and formats to factories. Optional
// modules are registered as loaders at startup and booted on demand.
type Registry struct {
	mu       sync.RWMutex
	byImpl   map[string]spi.MethodFactory
	byFormat map[uuid.UUID]spi.MethodFactory
	byTag    map[int]spi.ConglomerateFactory
	order    []spi.MethodFactory
	loaders  map[string]LoaderFunc
	props    model.Properties
	logger   *zap.Logger
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byImpl:   make(map[string]spi.MethodFactory),
		byFormat: make(map[uuid.UUID]spi.MethodFactory),
		byTag:    make(map[int]spi.ConglomerateFactory),
		loaders:  make(map[string]LoaderFunc),
		logger:   logger,
	}
}

// SetProperties sets the service properties consulted when booting modules
func (r *Registry) SetProperties(props model.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props = props.Clone()
}

// RegisterLoader makes a module bootable under name
func (r *Registry) RegisterLoader(name string, fn LoaderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = fn
}

// Register indexes a factory under its primary name and format. Conglomerate
// factories are also indexed by their id tag.
func (r *Registry) Register(f spi.MethodFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(f)
}

func (r *Registry) registerLocked(f spi.MethodFactory) error {
	if cf, ok := f.(spi.ConglomerateFactory); ok {
		tag := cf.FactoryID()
		if tag < 0 || tag > 15 {
			return accesserrors.InvalidArgument(fmt.Sprintf("factory tag %d out of range", tag), nil)
		}
		if existing, ok := r.byTag[tag]; ok && existing != cf {
			return accesserrors.InvalidArgument(
				fmt.Sprintf("factory tag %d already owned by %s", tag, existing.PrimaryImplementationType()), nil).
				WithDetail("tag", tag)
		}
		r.byTag[tag] = cf
	}

	if _, ok := r.byImpl[f.PrimaryImplementationType()]; !ok {
		r.order = append(r.order, f)
	}
	r.byImpl[f.PrimaryImplementationType()] = f
	r.byFormat[f.PrimaryFormat()] = f

	r.logger.Debug("Registered access method",
		zap.String("implementation", f.PrimaryImplementationType()),
		zap.String("format", f.PrimaryFormat().String()))
	return nil
}

// FindByImplementation returns the factory for an implementation name. It
// tries the primary index, then every factory's secondary names, then boots
// the module configured for the name.
func (r *Registry) FindByImplementation(impl string) (spi.MethodFactory, error) {
	r.mu.RLock()
	if f, ok := r.byImpl[impl]; ok {
		r.mu.RUnlock()
		return f, nil
	}
	for _, f := range r.order {
		if f.SupportsImplementation(impl) {
			r.mu.RUnlock()
			return f, nil
		}
	}
	r.mu.RUnlock()

	f, err := r.bootModule(impl)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, accesserrors.NoSuchConglomerateType(impl)
	}
	return f, nil
}

// bootModule runs the loader configured for impl. A missing module is not an
// error: it returns nil so the caller reports the unknown type.
func (r *Registry) bootModule(impl string) (spi.MethodFactory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have booted it while we waited
	if f, ok := r.byImpl[impl]; ok {
		return f, nil
	}

	module := r.props.GetDefault(model.ImplementationKey(impl), impl)
	loader, ok := r.loaders[module]
	if !ok {
		r.logger.Debug("No module provides implementation",
			zap.String("implementation", impl),
			zap.Error(accesserrors.ServiceMissingImplementation(module)))
		return nil, nil
	}

	f, err := loader(r.props)
	if err != nil {
		if accesserrors.Is(err, accesserrors.ErrCodeServiceMissingImplementation) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to boot module %s: %w", module, err)
	}
	if !f.SupportsImplementation(impl) {
		r.logger.Warn("Booted module does not support implementation",
			zap.String("module", module),
			zap.String("implementation", impl))
		return nil, nil
	}
	if err := r.registerLocked(f); err != nil {
		return nil, err
	}

	r.logger.Info("Booted access method module",
		zap.String("module", module),
		zap.String("implementation", impl))
	return f, nil
}

// FindByFormat returns the factory for a storage format
func (r *Registry) FindByFormat(format uuid.UUID) (spi.MethodFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.byFormat[format]; ok {
		return f, nil
	}
	for _, f := range r.order {
		if f.SupportsFormat(format) {
			return f, nil
		}
	}
	return nil, accesserrors.NoSuchConglomerateType(format.String()).WithDetail("format", format.String())
}

// FactoryForTag returns the conglomerate factory owning ids with tag
func (r *Registry) FactoryForTag(tag int) (spi.ConglomerateFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byTag[tag]
	return f, ok
}

// Implementations lists the registered primary implementation names
func (r *Registry) Implementations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byImpl))
	for name := range r.byImpl {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
