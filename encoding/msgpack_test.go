package encoding

import (
	"bytes"
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int", 12345},
		{"int64", int64(9876543210)},
		{"float64", 3.14159},
		{"bool", true},
		{"slice", []int{1, 2, 3, 4, 5}},
		{"map", map[string]interface{}{"name": "alice", "age": 30}},
		{"nested", map[string]interface{}{
			"user": map[string]interface{}{
				"id":   123,
				"name": "bob",
			},
			"items": []string{"a", "b", "c"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 100
	iterations := 1000

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				data := map[string]interface{}{
					"goroutine": id,
					"iteration": j,
					"data":      "some test data",
				}
				result, err := Marshal(data)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	// Topic keys and subscription ids travel as strings. Unmarshal must hand
	// them back as Go strings, not []byte, or registry lookups on the
	// receiving node would never match.
	original := "post:42"
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestUnmarshal_MixedTypes(t *testing.T) {
	// With UseLooseInterfaceDecoding(true):
	// - Go string → msgpack str → decoded as Go string
	// - Go []byte → msgpack bin → decoded as Go string
	// - ints widen to int64
	tests := []struct {
		name    string
		input   interface{}
		checkFn func(t *testing.T, result interface{})
	}{
		{
			name:  "string_stays_string",
			input: "hello world",
			checkFn: func(t *testing.T, result interface{}) {
				if s, ok := result.(string); !ok || s != "hello world" {
					t.Fatalf("Expected string 'hello world', got %T %v", result, result)
				}
			},
		},
		{
			name:  "bytes_become_string",
			input: []byte{0x00, 0x01, 0x02, 0xFF},
			checkFn: func(t *testing.T, result interface{}) {
				s, ok := result.(string)
				if !ok {
					t.Fatalf("Expected string (loose decoding), got %T", result)
				}
				expected := string([]byte{0x00, 0x01, 0x02, 0xFF})
				if s != expected {
					t.Errorf("Content mismatch")
				}
			},
		},
		{
			name: "map_with_loose_decoding",
			input: map[string]interface{}{
				"text_field": "this is text",
				"bin_field":  []byte{0xDE, 0xAD},
				"id":         "post:42",
				"int_field":  int64(12345),
			},
			checkFn: func(t *testing.T, result interface{}) {
				m, ok := result.(map[string]interface{})
				if !ok {
					t.Fatalf("Expected map, got %T", result)
				}

				if v, ok := m["text_field"].(string); !ok || v != "this is text" {
					t.Errorf("text_field: got %T %v", m["text_field"], m["text_field"])
				}
				if _, ok := m["bin_field"].(string); !ok {
					t.Errorf("bin_field: got %T, want string (loose decoding)", m["bin_field"])
				}
				if v, ok := m["id"].(string); !ok || v != "post:42" {
					t.Errorf("id: got %T %v", m["id"], m["id"])
				}
				if v, ok := m["int_field"].(int64); !ok || v != 12345 {
					t.Errorf("int_field: got %T %v", m["int_field"], m["int_field"])
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var result interface{}
			if err := Unmarshal(data, &result); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			tc.checkFn(t, result)
		})
	}
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	// Maps with identical contents must always serialize to the same bytes,
	// otherwise shard routing would split equal payloads across channels.
	payload := map[string]interface{}{
		"id":      int64(42),
		"author":  "alice",
		"body":    "first!",
		"post_id": int64(42),
		"tags":    []interface{}{"a", "b"},
		"meta": map[string]interface{}{
			"lang":   "en",
			"source": "web",
			"z":      int64(1),
		},
	}

	first, err := MarshalCanonical(payload)
	if err != nil {
		t.Fatalf("MarshalCanonical failed: %v", err)
	}

	for i := 0; i < 100; i++ {
		// Rebuild the map each round so Go's randomized iteration order gets
		// a fresh chance to disagree.
		again := map[string]interface{}{
			"meta": map[string]interface{}{
				"z":      int64(1),
				"source": "web",
				"lang":   "en",
			},
			"tags":    []interface{}{"a", "b"},
			"post_id": int64(42),
			"body":    "first!",
			"author":  "alice",
			"id":      int64(42),
		}
		data, err := MarshalCanonical(again)
		if err != nil {
			t.Fatalf("MarshalCanonical failed: %v", err)
		}
		if !bytes.Equal(first, data) {
			t.Fatalf("canonical encoding differs on round %d", i)
		}
	}
}

func BenchmarkMarshal(b *testing.B) {
	data := map[string]interface{}{
		"id":        12345,
		"name":      "benchmark test",
		"values":    []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		"nested":    map[string]string{"key": "value"},
		"timestamp": int64(1234567890),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(data)
	}
}

func BenchmarkMarshalCanonical(b *testing.B) {
	data := map[string]interface{}{
		"id":        12345,
		"name":      "benchmark test",
		"values":    []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		"nested":    map[string]string{"key": "value"},
		"timestamp": int64(1234567890),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = MarshalCanonical(data)
	}
}
