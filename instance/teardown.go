package instance

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/wasmforge/modhost/message"
)

// TearDown releases this instance's compartment and resets it to an
// unbound state so New need not be called again to reuse it. It reports
// whether the compartment was cleanly reclaimed, for leak diagnostics -
// teardown itself always succeeds, even when the underlying Close fails,
// since by this point there is nothing left to roll back to.
func (mi *ModuleInstance) TearDown(ctx context.Context) bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.compartment == nil {
		return true
	}

	mi.got.Clear()
	mi.registry.Clear()

	reclaimed := true
	if err := mi.compartment.Close(ctx); err != nil {
		Logger().Sugar().Warnw("compartment not cleanly reclaimed on teardown", "error", err)
		reclaimed = false
	}

	mi.compartment = nil
	mi.thread = nil
	mi.grower = nil
	mi.lookup = nil
	mi.mainCompiled = nil
	mi.dynCompiled = make(map[string]wazero.CompiledModule)
	mi.binding = message.Binding{}

	return reclaimed
}
