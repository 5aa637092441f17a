package instance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/wppgw/internal/authstore"
	"github.com/matheus3301/wppgw/internal/bus"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// Registry tracks the live instances of one gateway process. It is an
// explicit injected object, never a package global, so tests get full
// isolation.
type Registry struct {
	log *zap.Logger
	bus *bus.Bus

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		log:       logger.Named("registry"),
		bus:       b,
		instances: make(map[string]*Instance),
	}
}

// Register adds an instance. Duplicate keys are rejected.
func (r *Registry) Register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.Key()]; exists {
		return fmt.Errorf("session %q already registered", inst.Key())
	}
	r.instances[inst.Key()] = inst
	return nil
}

// Unregister removes an instance by key. Unknown keys are a no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.instances, key)
	r.mu.Unlock()
}

// Get returns the instance for a key.
func (r *Registry) Get(key string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[key]
	return inst, ok
}

// List returns the registered session keys, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Delete terminates an instance and removes it from the registry.
func (r *Registry) Delete(ctx context.Context, key string) error {
	inst, ok := r.Get(key)
	if !ok {
		return &LifecycleError{Message: "session not found"}
	}
	err := inst.Delete(ctx)
	r.Unregister(key)
	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:      bus.KindInstanceTerminated,
			Instance:  key,
			Timestamp: time.Now(),
		})
	}
	return err
}

// Shutdown closes every instance's socket without touching persisted state.
// Called once at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Shutdown()
	}
}

// Opener constructs an instance for a restored session key.
type Opener func(ctx context.Context, key string) (*Instance, error)

// RestoreAll re-creates an instance for every persisted auth table. One
// broken session is logged and skipped; the rest restore normally. Returns
// the keys that came back up.
func (r *Registry) RestoreAll(ctx context.Context, st storage.Store, open Opener) []string {
	tables, err := st.ListTables(ctx)
	if err != nil {
		r.log.Error("restore aborted, cannot list tables", zap.Error(err))
		return nil
	}

	var restored []string
	for _, table := range tables {
		key, ok := authstore.SessionKeyFromTable(table)
		if !ok {
			continue
		}
		if _, exists := r.Get(key); exists {
			continue
		}

		inst, err := open(ctx, key)
		if err != nil {
			r.log.Warn("session not restored", zap.String("session", key), zap.Error(err))
			continue
		}
		if err := inst.Init(ctx); err != nil {
			r.log.Warn("session restore init failed", zap.String("session", key), zap.Error(err))
			continue
		}
		if err := r.Register(inst); err != nil {
			r.log.Warn("session not registered", zap.String("session", key), zap.Error(err))
			_ = inst.Delete(ctx)
			continue
		}
		if r.bus != nil {
			r.bus.Publish(bus.Event{
				Kind:      bus.KindInstanceRestored,
				Instance:  key,
				Timestamp: time.Now(),
			})
		}
		restored = append(restored, key)
	}
	sort.Strings(restored)
	r.log.Info("session restore complete", zap.Int("restored", len(restored)))
	return restored
}
