package canonical

import (
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]interface{}{"name": "deploy", "count": 2}
	b := map[string]interface{}{"count": 2, "name": "deploy"}

	ba, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a) error: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b) error: %v", err)
	}

	if string(ba) != string(bb) {
		t.Errorf("encodings differ: %s vs %s", ba, bb)
	}
	if string(ba) != `{"count":2,"name":"deploy"}` {
		t.Errorf("unexpected encoding %s", ba)
	}
}

func TestMarshalNested(t *testing.T) {
	v := map[string]interface{}{
		"z": map[string]interface{}{"b": 1, "a": []interface{}{"x", "y"}},
		"a": nil,
	}

	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"a":null,"z":{"a":["x","y"],"b":1}}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestMarshalStructFieldOrder(t *testing.T) {
	type first struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	type second struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}

	ba, err := Marshal(first{Name: "x", Count: 1})
	if err != nil {
		t.Fatalf("Marshal(first) error: %v", err)
	}
	bb, err := Marshal(second{Count: 1, Name: "x"})
	if err != nil {
		t.Fatalf("Marshal(second) error: %v", err)
	}

	if string(ba) != string(bb) {
		t.Errorf("struct field order leaked into encoding: %s vs %s", ba, bb)
	}
}

func TestMarshalArrayOrderSignificant(t *testing.T) {
	ba, _ := Marshal([]interface{}{1, 2})
	bb, _ := Marshal([]interface{}{2, 1})

	if string(ba) == string(bb) {
		t.Error("array order should be significant")
	}
}

func TestMarshalPreservesNumberLiterals(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"id": 9007199254740993})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"id":9007199254740993}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestHashStability(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"a": 1, "b": "two"})
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	h2, err := Hash(map[string]interface{}{"b": "two", "a": 1})
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if h1 != h2 {
		t.Errorf("hashes differ for identical values: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}

	h3, err := Hash(map[string]interface{}{"a": 2, "b": "two"})
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if h1 == h3 {
		t.Error("hashes should differ for different values")
	}
}

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("payload"))
	h2 := HashBytes([]byte("payload"))
	if h1 != h2 {
		t.Errorf("HashBytes not stable: %s vs %s", h1, h2)
	}
	if h1 == HashBytes([]byte("other")) {
		t.Error("HashBytes should differ for different inputs")
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	if _, err := Marshal(map[string]interface{}{"fn": func() {}}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func BenchmarkMarshal(b *testing.B) {
	v := map[string]interface{}{
		"operation": "createRecord",
		"fields":    map[string]interface{}{"name": "x", "count": 3, "tags": []interface{}{"a", "b"}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(v); err != nil {
			b.Fatal(err)
		}
	}
}
