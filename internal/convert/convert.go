// Package convert maps each platform's native annotation shape to and from
// the universal model. Converters are registered under a platform key and
// dispatched through a strategy map; new platforms are added by registering
// a new implementation, never by modifying an existing one.
package convert

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"annosync/internal/model"
)

// Converter maps one platform's native records. Native records stay
// map-shaped because they come off third-party APIs with open schemas and
// the fields without a universal equivalent must survive in extensions.
type Converter interface {
	Platform() string
	ToUniversal(native map[string]any) (model.Annotation, error)
	FromUniversal(ann model.Annotation) (map[string]any, error)
}

// UnsupportedPlatformError reports a converter key nobody registered.
// Fatal for the call that used it, harmless to everything else.
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform %q", e.Platform)
}

// ConversionError is a per-record failure: logged and skipped in batch
// contexts, returned to the caller in single-record contexts.
type ConversionError struct {
	Platform string
	Reason   string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Platform, e.Reason)
}

func convErr(platform, format string, args ...any) error {
	return &ConversionError{Platform: platform, Reason: fmt.Sprintf(format, args...)}
}

// Registry is the keyed strategy map from platform identifier to converter.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry builds a registry holding the given converters.
func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the converter for its platform key.
func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[c.Platform()] = c
}

// Get returns the converter for a platform key.
func (r *Registry) Get(platform string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[platform]
	if !ok {
		return nil, &UnsupportedPlatformError{Platform: platform}
	}
	return c, nil
}

// SupportedPlatforms lists the registered platform keys, sorted.
func (r *Registry) SupportedPlatforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.converters))
	for k := range r.converters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager fronts the registry with batch semantics: per-record fault
// tolerance, one malformed record never aborts a batch.
type Manager struct {
	registry *Registry
	logger   *slog.Logger
}

// NewManager wraps a registry. A nil logger falls back to slog.Default.
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, logger: logger}
}

// DefaultManager registers the production converters: zotero, mendeley,
// hypothesis.
func DefaultManager(logger *slog.Logger) *Manager {
	return NewManager(NewRegistry(&Zotero{}, &Mendeley{}, &Hypothesis{}), logger)
}

// SupportedPlatforms lists the registered platform keys.
func (m *Manager) SupportedPlatforms() []string {
	return m.registry.SupportedPlatforms()
}

// ToUniversal converts a single native record; errors are returned to the
// caller.
func (m *Manager) ToUniversal(native map[string]any, platform string) (model.Annotation, error) {
	c, err := m.registry.Get(platform)
	if err != nil {
		return model.Annotation{}, err
	}
	return c.ToUniversal(native)
}

// FromUniversal converts a universal annotation to a platform's native
// shape.
func (m *Manager) FromUniversal(ann model.Annotation, platform string) (map[string]any, error) {
	c, err := m.registry.Get(platform)
	if err != nil {
		return nil, err
	}
	return c.FromUniversal(ann)
}

// ConvertBatch converts each record independently, logging and skipping
// failures, and returns only the successfully converted subset. An
// unregistered source platform is fatal for the whole call.
func (m *Manager) ConvertBatch(records []map[string]any, sourcePlatform string) ([]model.Annotation, error) {
	c, err := m.registry.Get(sourcePlatform)
	if err != nil {
		return nil, err
	}

	out := make([]model.Annotation, 0, len(records))
	for i, record := range records {
		ann, err := c.ToUniversal(record)
		if err != nil {
			m.logger.Warn("skipping record in batch",
				slog.String("platform", sourcePlatform),
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, ann)
	}
	return out, nil
}

// ConvertBatchTo converts records from the source platform straight to the
// target platform's native shape, with the same per-record fault tolerance
// on both legs.
func (m *Manager) ConvertBatchTo(records []map[string]any, sourcePlatform, targetPlatform string) ([]map[string]any, error) {
	src, err := m.registry.Get(sourcePlatform)
	if err != nil {
		return nil, err
	}
	dst, err := m.registry.Get(targetPlatform)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(records))
	for i, record := range records {
		ann, err := src.ToUniversal(record)
		if err == nil {
			var native map[string]any
			native, err = dst.FromUniversal(ann)
			if err == nil {
				out = append(out, native)
				continue
			}
		}
		m.logger.Warn("skipping record in batch",
			slog.String("source", sourcePlatform),
			slog.String("target", targetPlatform),
			slog.Int("index", i),
			slog.String("error", err.Error()))
	}
	return out, nil
}
