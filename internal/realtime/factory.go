package realtime

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BackendFactory func(dsn string, opts Options) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory lets callers plug in schemes the package does not
// know about, or override a built-in one.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a backend by scheme. An empty DSN means no
// credentials were configured and yields the offline backend.
func BuildBackendFromDSN(dsn string, opts Options) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewOfflineBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "offline", "none":
		return NewOfflineBackend(), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackendWithOptions(MemoryOptions{EchoUpserts: parsed.Query().Get("echo") == "true"}), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, opts)
	case "supabase", "https", "wss":
		return nil, fmt.Errorf("%w: realtime backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported realtime backend scheme: %s", scheme)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
