package store

import (
	"encoding/json"
	"reflect"
	"testing"
)

type decodeRecord struct {
	Name  string   `json:"name"`
	Score float64  `json:"score"`
	Tags  []string `json:"tags,omitempty"`
}

func TestDecodeConcreteValue(t *testing.T) {
	in := decodeRecord{Name: "a", Score: 0.5}
	var out decodeRecord
	if !Decode(in, &out) {
		t.Fatal("Decode rejected a value of the target type")
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("Decode = %+v, want %+v", out, in)
	}
}

func TestDecodeConcretePointer(t *testing.T) {
	in := &decodeRecord{Name: "b", Score: 0.9}
	var out decodeRecord
	if !Decode(in, &out) {
		t.Fatal("Decode rejected a pointer to the target type")
	}
	if out.Name != "b" || out.Score != 0.9 {
		t.Fatalf("Decode = %+v, want %+v", out, *in)
	}
}

// A JSON backend returns structs as generic maps; Decode must rebuild the
// typed value from that shape.
func TestDecodeGenericMap(t *testing.T) {
	raw, _ := json.Marshal(decodeRecord{Name: "c", Score: 0.75, Tags: []string{"x", "y"}})
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}
	if _, isMap := generic.(map[string]any); !isMap {
		t.Fatalf("fixture is %T, want map[string]any", generic)
	}

	var out decodeRecord
	if !Decode(generic, &out) {
		t.Fatal("Decode rejected a generic map")
	}
	if out.Name != "c" || out.Score != 0.75 || len(out.Tags) != 2 {
		t.Fatalf("Decode = %+v", out)
	}
}

func TestDecodeListElements(t *testing.T) {
	s := newTestStore(t)
	s.Push("list", decodeRecord{Name: "first"}, 10)

	// Same list after a JSON round-trip, as a networked backend stores it.
	raw, _ := json.Marshal(s.List("list"))
	var generic []any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}

	var out decodeRecord
	if !Decode(generic[0], &out) {
		t.Fatal("Decode rejected a generic list element")
	}
	if out.Name != "first" {
		t.Fatalf("Decode = %+v", out)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	var out decodeRecord
	if Decode(nil, &out) {
		t.Error("Decode accepted a nil value")
	}
	if Decode("not a record", &out) {
		t.Error("Decode accepted a mismatched scalar")
	}
	if Decode(decodeRecord{}, nil) {
		t.Error("Decode accepted a nil target")
	}
	var nilPtr *decodeRecord
	if Decode(decodeRecord{}, nilPtr) {
		t.Error("Decode accepted a nil typed pointer")
	}
}
