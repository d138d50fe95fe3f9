package instance

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/resolve"
)

// funcSignature records one table slot's call shape and the export that
// was placed there. paramTypes/resultTypes are all Execute's funcptr
// dispatch needs; sourceModule/funcName are kept alongside so Clone can
// replay this placement into a freshly cloned table without having to
// rediscover where the function came from.
type funcSignature struct {
	sourceModule string
	funcName     string
	paramTypes   []api.ValueType
	resultTypes  []api.ValueType
}

// tableGrower implements resolve.TableGrower against the main module's own
// indirect function table, the one table every dynamic module shares.
// wazero's api.Module exposes no Table accessor, so every grow or write
// goes through a transient synthesized bridge (resolve.BuildTableGrowModule
// / resolve.BuildTablePlacementModule) that imports the table by name and
// is closed the instant its one call returns.
type tableGrower struct {
	mu sync.Mutex

	backend engine.Backend
	runtime wazero.Runtime

	tableOwner string
	tableName  string

	size uint32
	sigs map[int32]funcSignature
}

func newTableGrower(backend engine.Backend, rt wazero.Runtime, tableOwner, tableName string) *tableGrower {
	return &tableGrower{
		backend:    backend,
		runtime:    rt,
		tableOwner: tableOwner,
		tableName:  tableName,
		sigs:       make(map[int32]funcSignature),
	}
}

// seed reads the table's actual current size via a zero-delta grow, used
// once at bind time since wazero gives no other way to read a table's
// length without a function call into the guest module's own import.
func (g *tableGrower) seed(ctx context.Context) error {
	_, err := g.GrowTable(ctx, 0)
	return err
}

func (g *tableGrower) GrowTable(ctx context.Context, n uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bridge, err := resolve.BuildTableGrowModule(ctx, g.runtime, g.tableOwner, g.tableName, g.size)
	if err != nil {
		return 0, err
	}
	defer bridge.Close(ctx)

	prev, ok := g.backend.GrowTable(ctx, bridge, "grow", n)
	if !ok {
		return 0, errors.LinkError(g.tableName, "table grow rejected by backend")
	}
	g.size = prev + n
	return prev, nil
}

func (g *tableGrower) PlaceFunction(ctx context.Context, sourceModule, funcName string, paramTypes, resultTypes []api.ValueType, index int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	bridge, err := resolve.BuildTablePlacementModule(ctx, g.runtime, sourceModule, funcName, paramTypes, resultTypes, g.tableOwner, g.tableName, g.size, index, "")
	if err != nil {
		return err
	}
	defer bridge.Close(ctx)

	g.sigs[index] = funcSignature{
		sourceModule: sourceModule,
		funcName:     funcName,
		paramTypes:   paramTypes,
		resultTypes:  resultTypes,
	}
	return nil
}

// Signature returns the call shape recorded for a table index this grower
// placed a function at, if any.
func (g *tableGrower) Signature(index int32) (funcSignature, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sig, ok := g.sigs[index]
	return sig, ok
}

// Placements returns a snapshot of every index this grower has explicitly
// placed a function at via PlaceFunction - the slots no module's own
// element segment populates, which Clone must replay by hand into a
// freshly cloned table.
func (g *tableGrower) Placements() map[int32]funcSignature {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int32]funcSignature, len(g.sigs))
	for k, v := range g.sigs {
		out[k] = v
	}
	return out
}

// Size reports the table's current element count, as last observed by
// seed or a prior GrowTable call.
func (g *tableGrower) Size() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}
