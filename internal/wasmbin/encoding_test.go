package wasmbin

import (
	"testing"

	"github.com/tetratelabs/wazero/api"
)

func TestEncodeDecodeULEB128(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 65535, 1 << 20, 0xFFFFFFFF}
	for _, v := range cases {
		enc := EncodeULEB128(v)
		got, n := DecodeULEB128(enc)
		if got != v {
			t.Errorf("EncodeULEB128(%d) roundtrip = %d", v, got)
		}
		if n != len(enc) {
			t.Errorf("DecodeULEB128(%v) consumed %d bytes, want %d", enc, n, len(enc))
		}
	}
}

func TestEncodeDecodeSLEB128(t *testing.T) {
	cases := []int64{0, 1, -1, 63, -64, 64, -65, 1000000, -1000000}
	for _, v := range cases {
		enc := EncodeSLEB128(v)
		got, n := DecodeSLEB128(enc)
		if got != v {
			t.Errorf("EncodeSLEB128(%d) roundtrip = %d", v, got)
		}
		if n != len(enc) {
			t.Errorf("DecodeSLEB128(%v) consumed %d bytes, want %d", enc, n, len(enc))
		}
	}
}

func TestValTypeRoundtrip(t *testing.T) {
	types := []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64}
	for _, vt := range types {
		b := ValTypeToWasm(vt)
		got := ParseValType(b)
		if got != vt {
			t.Errorf("ValTypeToWasm/ParseValType roundtrip for %v = %v", vt, got)
		}
	}
}
