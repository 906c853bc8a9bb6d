package formatter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/satbridge/errors"
)

// UplinkFactory builds an uplink formatter from a parsed descriptor
type UplinkFactory func(d *Descriptor) (Uplink, error)

// DownlinkFactory builds a downlink formatter from a parsed descriptor
type DownlinkFactory func(d *Descriptor) (Downlink, error)

// Registry holds the codecs a descriptor may reference. Codec names
// are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	uplinks   map[string]UplinkFactory
	downlinks map[string]DownlinkFactory
}

// NewRegistry creates an empty codec registry
func NewRegistry() *Registry {
	return &Registry{
		uplinks:   make(map[string]UplinkFactory),
		downlinks: make(map[string]DownlinkFactory),
	}
}

// DefaultRegistry returns a registry with all built-in codecs registered
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// RegisterUplink registers an uplink codec factory under a name
func (r *Registry) RegisterUplink(name string, factory UplinkFactory) error {
	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterUplink", "codec registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := r.uplinks[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("uplink codec %q is already registered", name),
			"Registry", "RegisterUplink", "duplicate codec check")
	}
	r.uplinks[key] = factory
	return nil
}

// RegisterDownlink registers a downlink codec factory under a name
func (r *Registry) RegisterDownlink(name string, factory DownlinkFactory) error {
	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterDownlink", "codec registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := r.downlinks[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("downlink codec %q is already registered", name),
			"Registry", "RegisterDownlink", "duplicate codec check")
	}
	r.downlinks[key] = factory
	return nil
}

// UplinkCodecs returns registered uplink codec names, sorted
func (r *Registry) UplinkCodecs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.uplinks))
	for name := range r.uplinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DownlinkCodecs returns registered downlink codec names, sorted
func (r *Registry) DownlinkCodecs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.downlinks))
	for name := range r.downlinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompileUplink parses a descriptor blob and builds the uplink
// formatter it references. Unknown codecs and malformed descriptors
// are compile errors, distinct from a missing blob.
func (r *Registry) CompileUplink(data []byte) (Uplink, error) {
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.uplinks[strings.ToLower(d.Codec)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown uplink codec %q", errors.ErrFormatterCompile, d.Codec),
			"Registry", "CompileUplink", "codec lookup")
	}

	f, err := factory(d)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrFormatterCompile, err),
			"Registry", "CompileUplink", "codec construction")
	}
	return f, nil
}

// CompileDownlink parses a descriptor blob and builds the downlink
// formatter it references
func (r *Registry) CompileDownlink(data []byte) (Downlink, error) {
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.downlinks[strings.ToLower(d.Codec)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown downlink codec %q", errors.ErrFormatterCompile, d.Codec),
			"Registry", "CompileDownlink", "codec lookup")
	}

	f, err := factory(d)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrFormatterCompile, err),
			"Registry", "CompileDownlink", "codec construction")
	}
	return f, nil
}
