package tools

import (
	"fmt"

	"github.com/maruntime/maruntime/pkg/registry"
	"github.com/maruntime/maruntime/pkg/store"
)

// Deps carries the shared collaborators tools may need.
type Deps struct {
	Store *store.Store
}

// Builder constructs a tool instance from its catalog config.
type Builder func(config map[string]any, deps Deps) (Tool, error)

var builders = registry.NewBaseRegistry[Builder]()

// RegisterBuilder binds an entrypoint string ("pkg/tools:TypeName") to a
// builder. Builtin tools register themselves in init; duplicate
// registrations panic since they are programming errors.
func RegisterBuilder(entrypoint string, b Builder) {
	if err := builders.Register(entrypoint, b); err != nil {
		panic(fmt.Sprintf("tool builder registration failed: %v", err))
	}
}

// LookupBuilder resolves an entrypoint to its builder.
func LookupBuilder(entrypoint string) (Builder, bool) {
	return builders.Get(entrypoint)
}

// BuilderEntrypoints returns all registered entrypoints, sorted.
func BuilderEntrypoints() []string {
	return builders.Names()
}
