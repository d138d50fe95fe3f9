package instance

import (
	"context"
	"testing"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/message"
)

func TestUnboundInstanceRejectsEveryOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("Execute", func(t *testing.T) {
		mi := New(Config{})
		if _, err := mi.Execute(ctx, &message.Message{}); err == nil {
			t.Fatal("expected an error executing an unbound instance")
		}
	})

	t.Run("DynamicLoad", func(t *testing.T) {
		mi := New(Config{})
		if _, err := mi.DynamicLoad(ctx, "/lib/foo.so"); err == nil {
			t.Fatal("expected an error dynamic-loading on an unbound instance")
		}
	})

	t.Run("GetDynamicModuleFunction", func(t *testing.T) {
		mi := New(Config{})
		if _, err := mi.GetDynamicModuleFunction(ctx, 1, "helper"); err == nil {
			t.Fatal("expected an error resolving a function on an unbound instance")
		}
	})

	t.Run("Clone", func(t *testing.T) {
		mi := New(Config{})
		if _, err := mi.Clone(ctx); err == nil {
			t.Fatal("expected an error cloning an unbound instance")
		}
	})
}

func TestTearDownOnFreshInstanceReportsReclaimed(t *testing.T) {
	mi := New(Config{})
	if !mi.TearDown(context.Background()) {
		t.Fatal("TearDown on a never-bound instance should report reclaimed=true")
	}
}

func TestRecordOutcomeSuccessWithResult(t *testing.T) {
	mi := &ModuleInstance{}
	msg := &message.Message{}

	ok := mi.recordOutcome(msg, []uint64{42}, nil)
	if !ok {
		t.Fatal("a nil invokeErr should always be a success outcome")
	}
	if msg.ReturnValue != 42 {
		t.Fatalf("ReturnValue = %d, want 42", msg.ReturnValue)
	}
}

func TestRecordOutcomeSuccessWithNoResult(t *testing.T) {
	mi := &ModuleInstance{}
	msg := &message.Message{}

	ok := mi.recordOutcome(msg, nil, nil)
	if !ok || msg.ReturnValue != 0 {
		t.Fatalf("ok=%v ReturnValue=%d, want true/0", ok, msg.ReturnValue)
	}
}

func TestRecordOutcomeGuestExitZeroIsSuccess(t *testing.T) {
	mi := &ModuleInstance{}
	msg := &message.Message{}

	ok := mi.recordOutcome(msg, nil, errors.GuestExit(0))
	if !ok || msg.ReturnValue != 0 {
		t.Fatalf("ok=%v ReturnValue=%d, want true/0 for GuestExit(0)", ok, msg.ReturnValue)
	}
}

func TestRecordOutcomeGuestExitNonZeroIsFailure(t *testing.T) {
	mi := &ModuleInstance{}
	msg := &message.Message{}

	ok := mi.recordOutcome(msg, nil, errors.GuestExit(7))
	if ok || msg.ReturnValue != 7 {
		t.Fatalf("ok=%v ReturnValue=%d, want false/7 for GuestExit(7)", ok, msg.ReturnValue)
	}
}

func TestRecordOutcomeTrapIsFailure(t *testing.T) {
	mi := &ModuleInstance{}
	msg := &message.Message{}

	ok := mi.recordOutcome(msg, nil, errors.BackendTrap("entry", context.DeadlineExceeded))
	if ok || msg.ReturnValue != 1 {
		t.Fatalf("ok=%v ReturnValue=%d, want false/1 for a backend trap", ok, msg.ReturnValue)
	}
}

func TestParseInt32(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want int32
	}{
		{"empty", nil, 0},
		{"short", []byte{0x05}, 5},
		{"exact", []byte{0x2a, 0x00, 0x00, 0x00}, 42},
		{"extraIgnored", []byte{0x01, 0x00, 0x00, 0x00, 0xff}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseInt32(tc.data); got != tc.want {
				t.Errorf("parseInt32(%v) = %d, want %d", tc.data, got, tc.want)
			}
		})
	}
}

func TestDynamicInstanceName(t *testing.T) {
	if got := dynamicInstanceName(2); got != "dyn_2" {
		t.Errorf("dynamicInstanceName(2) = %q, want %q", got, "dyn_2")
	}
}
