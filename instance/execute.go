package instance

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/message"
	"github.com/wasmforge/modhost/resolve"
	"github.com/wasmforge/modhost/threadctx"
)

// Execute runs msg against the bound function: a named entry function when
// msg.FuncPtr is zero, a table-indexed one otherwise. success reflects the
// outcome recorded on msg.ReturnValue, not whether Execute itself errored -
// a BackendTrap or non-zero GuestExit is an observable result, not a
// propagated error; only a binding mismatch or a link/layout failure is.
func (mi *ModuleInstance) Execute(ctx context.Context, msg *message.Message) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return false, mi.fail(errors.NotInitialized(errors.PhaseExecute, "module instance"))
	}
	if mi.binding.User != msg.User || mi.binding.Function != msg.Function {
		return false, mi.fail(errors.BindingError([]string{msg.User, msg.Function}, "execute called with a message bound to a different user/function", nil))
	}

	threadctx.SetOwner(mi.thread, mi)
	defer threadctx.ClearOwner(mi.thread)

	if err := mi.syncer.Sync(ctx, msg); err != nil {
		return false, mi.fail(errors.Wrap(errors.PhaseExecute, errors.KindInvalidData, err, "sync Python-backed function sources"))
	}

	if msg.OMPDepth > 0 {
		return mi.executeRemoteOMP(ctx, msg)
	}

	var results []uint64
	var invokeErr error

	switch {
	case msg.FuncPtr > 0:
		results, invokeErr = mi.invokeFuncPtr(ctx, msg)
	default:
		results, invokeErr = mi.invokeEntry(ctx, msg)
	}

	return mi.recordOutcome(msg, results, invokeErr), nil
}

// invokeFuncPtr dispatches through the shared indirect function table at
// the slot msg.FuncPtr, whose arity (recorded at placement time) must be 0
// or 1 i32 parameter.
func (mi *ModuleInstance) invokeFuncPtr(ctx context.Context, msg *message.Message) ([]uint64, error) {
	index := int32(msg.FuncPtr)
	sig, ok := mi.grower.Signature(index)
	if !ok {
		return nil, errors.LinkError("funcptr", "no signature recorded for table index")
	}
	if len(sig.paramTypes) > 1 {
		return nil, errors.Unsupported(errors.PhaseExecute, "funcptr dispatch only supports 0 or 1 i32 parameter")
	}

	hasParam := len(sig.paramTypes) == 1
	bridge, err := resolve.BuildIndirectCallModule(ctx, mi.compartment.Runtime, mainModuleName, mainTableExport, mi.grower.Size(), index, hasParam)
	if err != nil {
		return nil, err
	}
	defer bridge.Close(ctx)

	fn := bridge.ExportedFunction("call")
	if fn == nil {
		return nil, errors.LinkError("funcptr", "indirect-call bridge exported no \"call\" function")
	}

	if !hasParam {
		return mi.backend.InvokeFunction(ctx, fn)
	}

	arg := int32(0)
	if len(msg.InputData) > 0 {
		arg = parseInt32(msg.InputData)
	}
	return mi.backend.InvokeFunction(ctx, fn, uint64(uint32(arg)))
}

// invokeEntry dispatches to mi.cfg.EntryFunc. A zero-parameter entry (the
// common WASI "_start" shape) is called directly; a two-parameter
// (argc, argv) entry gets msg.InputData written into scratch memory as a
// single argument string first.
func (mi *ModuleInstance) invokeEntry(ctx context.Context, msg *message.Message) ([]uint64, error) {
	main := mi.compartment.Main()
	fn := main.ExportedFunction(mi.cfg.EntryFunc)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseExecute, "entry function", mi.cfg.EntryFunc)
	}

	def := fn.Definition()
	switch len(def.ParamTypes()) {
	case 0:
		return mi.backend.InvokeFunction(ctx, fn)
	case 2:
		argc, argv, err := mi.writeArgs(main, msg.InputData)
		if err != nil {
			return nil, err
		}
		return mi.backend.InvokeFunction(ctx, fn, uint64(argc), uint64(argv))
	default:
		return nil, errors.Unsupported(errors.PhaseExecute, "entry function signature not supported")
	}
}

// writeArgs lays out a single-element argv array ("argv[0] = input",
// NUL-terminated) plus its pointer table into freshly grown scratch
// memory, the writeStringArrayToMemory convention the original entry
// point expects its (argc, argv) parameters to reference.
func (mi *ModuleInstance) writeArgs(main api.Module, input []byte) (argc, argv int32, err error) {
	mem := main.Memory()
	if mem == nil {
		return 0, 0, errors.NilPointer(errors.PhaseExecute, []string{"memory"}, "api.Memory")
	}

	strBase, ok := mi.backend.GrowMemory(main, 1)
	if !ok {
		return 0, 0, errors.OutOfMemory("grow scratch memory for argv", nil)
	}
	strAddr := strBase * layout.WasmPageSize

	buf := make([]byte, len(input)+1)
	copy(buf, input)
	if !mem.Write(strAddr, buf) {
		return 0, 0, errors.OutOfBounds(errors.PhaseExecute, []string{"argv"}, int(strAddr), int(mem.Size()))
	}

	ptrAddr := strAddr + uint32(len(buf))
	if ptrAddr%4 != 0 {
		ptrAddr += 4 - ptrAddr%4
	}
	if !mem.WriteUint32Le(ptrAddr, strAddr) {
		return 0, 0, errors.OutOfBounds(errors.PhaseExecute, []string{"argv"}, int(ptrAddr), int(mem.Size()))
	}

	return 1, int32(ptrAddr), nil
}

// recordOutcome classifies invokeErr, writes msg.ReturnValue, and
// reports success. A nil invokeErr with a result value is itself a
// success outcome (the entry function returned its result directly rather
// than calling exit).
func (mi *ModuleInstance) recordOutcome(msg *message.Message, results []uint64, invokeErr error) bool {
	if invokeErr == nil {
		msg.ReturnValue = 0
		if len(results) > 0 {
			msg.ReturnValue = int32(uint32(results[0]))
		}
		return true
	}

	if guestErr, ok := invokeErr.(*errors.Error); ok && guestErr.Kind == errors.KindGuestExit {
		msg.ReturnValue = guestErr.Code
		return guestErr.Code == 0
	}

	Logger().Sugar().Errorw("guest code trapped during execute", "error", invokeErr)
	msg.ReturnValue = 1
	return false
}

// allocateThreadStack grows the shared linear memory by one worker stack's
// worth of pages and returns the new region's base address - the private
// stack a fork-join worker's execution context is handed.
func (mi *ModuleInstance) allocateThreadStack() (uint64, error) {
	main := mi.compartment.Main()
	prev, ok := mi.backend.GrowMemory(main, threadctx.StackSize/layout.WasmPageSize)
	if !ok {
		return 0, errors.OutOfMemory("grow linear memory for worker thread stack", nil)
	}
	return uint64(prev) * layout.WasmPageSize, nil
}

// executeRemoteOMP runs msg.OMPNumThreads fork-join workers against a
// single-threaded backend: each worker gets its own threadctx.Context
// (forked from the instance's own) and its own StackSize region of linear
// memory. Thread scheduling policy beyond that (affinity, real
// parallelism) belongs to the surrounding scheduler; workers run
// sequentially here.
func (mi *ModuleInstance) executeRemoteOMP(ctx context.Context, msg *message.Message) (bool, error) {
	n := int(msg.OMPNumThreads)
	if n <= 0 {
		n = 1
	}

	workers, err := mi.pool.Fork(mi.thread, n, mi.allocateThreadStack)
	if err != nil {
		return false, mi.fail(errors.Wrap(errors.PhaseExecute, errors.KindAllocation, err, "fork OMP worker thread contexts"))
	}

	main := mi.compartment.Main()
	sp, _ := main.ExportedGlobal("__stack_pointer").(api.MutableGlobal)

	success := true
	for i, worker := range workers {
		threadMsg := *msg
		threadMsg.OMPThreadNum = int32(i)
		threadMsg.OMPDepth = 0

		var priorSP uint64
		if sp != nil {
			priorSP = sp.Get()
			if uint32(priorSP) != uint32(threadctx.StackSize) {
				Logger().Sugar().Warnw("worker stack pointer global had unexpected prior value",
					"prior", priorSP, "want", threadctx.StackSize)
			}
			sp.Set(worker.StackBase + threadctx.StackSize - 1)
		}

		threadctx.SetOwner(worker, mi)
		results, invokeErr := mi.invokeEntry(ctx, &threadMsg)
		threadctx.ClearOwner(worker)

		if sp != nil {
			sp.Set(priorSP)
		}

		if !mi.recordOutcome(&threadMsg, results, invokeErr) {
			success = false
		}
		if i == 0 {
			msg.ReturnValue = threadMsg.ReturnValue
		}
	}

	return success, nil
}

// parseInt32 decodes msg.InputData as a scalar argument: the first 4
// bytes as a little-endian i32, zero-padded if fewer than 4 bytes are
// present.
func parseInt32(data []byte) int32 {
	if len(data) < 4 {
		var buf [4]byte
		copy(buf[:], data)
		return int32(binary.LittleEndian.Uint32(buf[:]))
	}
	return int32(binary.LittleEndian.Uint32(data))
}
