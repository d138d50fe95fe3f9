package errors

import (
	"errors"
	"testing"
)

func containsSubstring(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseLink,
				Kind:   KindTypeMismatch,
				Path:   []string{"GOT", "func", "malloc"},
				GoType: "api.Function",
				Detail: "signature mismatch",
			},
			contains: []string{"[link]", "type_mismatch", "GOT.func.malloc", "api.Function", "signature mismatch"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseLayout,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[layout]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseMemory,
				Kind:   KindAllocation,
				Detail: "memory full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[memory]", "allocation", "memory full", "caused by", "underlying error"},
		},
		{
			name: "guest exit carries code",
			err:  GuestExit(42),
			contains: []string{"[execute]", "guest_exit", "code 42", "guest process exited"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !containsSubstring(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseLink,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseLink,
		Kind:  KindTypeMismatch,
		Path:  []string{"foo"},
	}
	same := &Error{
		Phase: PhaseLink,
		Kind:  KindTypeMismatch,
		Path:  []string{"bar"},
	}
	different := &Error{
		Phase: PhaseBind,
		Kind:  KindTypeMismatch,
	}

	if !errors.Is(err, same) {
		t.Error("expected errors with same Phase/Kind to match via errors.Is")
	}
	if errors.Is(err, different) {
		t.Error("expected errors with different Phase to not match")
	}
	if errors.Is(err, errors.New("plain error")) {
		t.Error("expected plain error to not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root cause")
	err := New(PhaseDynload, KindDynamicLoadError).
		Path("libfoo.so").
		GoType("registry.Handle").
		Detail("load failed: %s", "bad elf").
		Cause(cause).
		Build()

	if err.Phase != PhaseDynload || err.Kind != KindDynamicLoadError {
		t.Fatalf("unexpected Phase/Kind: %v/%v", err.Phase, err.Kind)
	}
	if err.Detail != "load failed: bad elf" {
		t.Errorf("Detail = %q, want formatted message", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("expected built error to wrap cause")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"BindingError", BindingError([]string{"main"}, "missing export", nil), KindBindingError},
		{"LinkError", LinkError("GOT.mem.x", "undefined"), KindLinkError},
		{"LayoutError", LayoutError("overlap"), KindLayoutError},
		{"MemoryError", MemoryError("mmap failed", nil), KindMemoryError},
		{"DynamicLoadError", DynamicLoadError("a.so", "bad format", nil), KindDynamicLoadError},
		{"BackendTrap", BackendTrap("run", errors.New("trap")), KindBackendTrap},
		{"GuestExit", GuestExit(0), KindGuestExit},
		{"NotFound", NotFound(PhaseDynload, "module", "a.so"), KindNotFound},
		{"NotInitialized", NotInitialized(PhaseBind, "compartment"), KindNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() == "" {
				t.Error("Error() returned empty string")
			}
		})
	}
}
