package plugin

import "sync"

// The registration table is filled at compile time: each plugin package
// calls Register from an init function, and the binary's import list
// decides what ships. No filesystem discovery.
var (
	buildersMu sync.Mutex
	builders   []Factory
)

// Register adds a plugin factory to the table. Call from init.
func Register(f Factory) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders = append(builders, f)
}

// Builders returns a snapshot of the registration table.
func Builders() []Factory {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	out := make([]Factory, len(builders))
	copy(out, builders)
	return out
}
