package instance

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/registry"
)

// exportLookup implements resolve.ExportLookup by searching the main
// instance first, then every loaded dynamic module in insertion order -
// the same order a GOT.func total miss falls through.
type exportLookup struct {
	compartment *compartment.Compartment
	registry    *registry.Registry
}

func (l *exportLookup) LookupFunction(name string) (string, []api.ValueType, []api.ValueType, bool) {
	if main := l.compartment.Main(); main != nil {
		if fn := main.ExportedFunction(name); fn != nil {
			def := fn.Definition()
			return main.Name(), def.ParamTypes(), def.ResultTypes(), true
		}
	}

	var sourceModule string
	var params, results []api.ValueType
	found := false

	l.registry.Each(func(lm *registry.LoadedModule) bool {
		mod, ok := lm.Instance.(api.Module)
		if !ok || mod == nil {
			return true
		}
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return true
		}
		def := fn.Definition()
		sourceModule, params, results = mod.Name(), def.ParamTypes(), def.ResultTypes()
		found = true
		return false
	})

	return sourceModule, params, results, found
}
