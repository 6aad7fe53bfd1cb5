package helpers

import (
	"strings"
	"testing"
)

func TestBatchCode_Stable(t *testing.T) {
	uuid := "4f7c2d9e-11aa-4d21-8c2f-7e75a54d9b01"

	first := BatchCode(uuid)
	second := BatchCode(uuid)

	if first != second {
		t.Fatalf("same uuid produced different codes: %q vs %q", first, second)
	}

	if !strings.HasPrefix(first, "PAY-") {
		t.Errorf("expected PAY- prefix, got %q", first)
	}
}

func TestBatchCode_DiffersPerBatch(t *testing.T) {
	a := BatchCode("4f7c2d9e-11aa-4d21-8c2f-7e75a54d9b01")
	b := BatchCode("9b1e08aa-3c55-4f0b-9a3c-0d4de41f20cc")

	if a == b {
		t.Errorf("different uuids produced the same code %q", a)
	}
}

func TestTinyHash_Deterministic(t *testing.T) {
	if TinyHash("abc") != TinyHash("abc") {
		t.Error("TinyHash is not deterministic")
	}
	if TinyHash("abc") == TinyHash("abd") {
		t.Error("TinyHash collided on close inputs")
	}
}
