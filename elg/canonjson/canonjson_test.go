package canonjson

import (
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":false,"z":true}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeInvariantUnderKeyOrderAndWhitespace(t *testing.T) {
	variants := []string{
		`{"counter": 1, "final": true}`,
		`{ "final":true , "counter" : 1 }`,
		"{\n  \"final\": true,\n  \"counter\": 1\n}",
	}

	var first string
	for i, v := range variants {
		got, err := Canonicalize([]byte(v))
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if i == 0 {
			first = string(got)
			continue
		}
		if string(got) != first {
			t.Errorf("variant %d: got %s, want %s", i, got, first)
		}
	}
	if first != `{"counter":1,"final":true}` {
		t.Errorf("canonical form = %s", first)
	}
}

func TestCanonicalNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"integer", `42`, `42`},
		{"negative zero", `-0`, `0`},
		{"integral float", `1.0`, `1`},
		{"exponent integral", `1e2`, `100`},
		{"fraction", `0.5`, `0.5`},
		{"shortest roundtrip", `0.30000000000000004`, `0.30000000000000004`},
		{"negative", `-17`, `-17`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tt.in))
			if err != nil {
				t.Fatalf("Canonicalize(%q): %v", tt.in, err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonicalize(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestHashStableAcrossEquivalentInputs(t *testing.T) {
	type state struct {
		Counter int  `json:"counter"`
		Final   bool `json:"final"`
	}

	h1, err := Hash(state{Counter: 1, Final: true})
	if err != nil {
		t.Fatalf("Hash struct: %v", err)
	}
	h2, err := Hash(map[string]any{"final": true, "counter": 1})
	if err != nil {
		t.Fatalf("Hash map: %v", err)
	}
	if h1 != h2 {
		t.Errorf("struct hash %s != map hash %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash %q is not lowercase hex sha256", h1)
	}
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for trailing data")
	}
}

func TestMarshalNestedArrays(t *testing.T) {
	got, err := Marshal([]any{map[string]any{"b": []any{3, 2}, "a": nil}, "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"a":null,"b":[3,2]},"x"]`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
