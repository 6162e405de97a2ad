package buffer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewTailBuffer(t *testing.T) {
	// Test with valid capacity
	b := NewTailBuffer(100)
	if b.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", b.Cap())
	}
	if b.Len() != 0 {
		t.Errorf("expected length 0, got %d", b.Len())
	}

	// Test with zero capacity (should default to 1)
	b = NewTailBuffer(0)
	if b.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", b.Cap())
	}

	// Test with negative capacity (should default to 1)
	b = NewTailBuffer(-5)
	if b.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", b.Cap())
	}
}

func TestTailBuffer_Append(t *testing.T) {
	b := NewTailBuffer(10)

	b.Append([]byte("hello"))
	if b.Len() != 5 {
		t.Errorf("expected length 5, got %d", b.Len())
	}

	b.Append([]byte("world"))
	if b.Len() != 10 {
		t.Errorf("expected length 10, got %d", b.Len())
	}

	data := b.Bytes()
	if !bytes.Equal(data, []byte("helloworld")) {
		t.Errorf("expected 'helloworld', got '%s'", string(data))
	}
}

func TestTailBuffer_AppendOverflow(t *testing.T) {
	b := NewTailBuffer(10)

	b.Append([]byte("0123456789"))
	b.Append([]byte("abc"))

	data := b.Bytes()
	// Should have discarded "012" and kept "3456789abc"
	if !bytes.Equal(data, []byte("3456789abc")) {
		t.Errorf("expected '3456789abc', got '%s'", string(data))
	}
	if b.Len() != 10 {
		t.Errorf("expected length 10, got %d", b.Len())
	}
}

func TestTailBuffer_AppendLargerThanCapacity(t *testing.T) {
	b := NewTailBuffer(5)

	b.Append([]byte("0123456789"))

	data := b.Bytes()
	// Should only keep the last 5 bytes
	if !bytes.Equal(data, []byte("56789")) {
		t.Errorf("expected '56789', got '%s'", string(data))
	}
	if b.Len() != 5 {
		t.Errorf("expected length 5, got %d", b.Len())
	}
}

func TestTailBuffer_AppendEmpty(t *testing.T) {
	b := NewTailBuffer(10)
	b.Append([]byte("hello"))

	b.Append(nil)
	b.Append([]byte{})

	data := b.Bytes()
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("expected 'hello', got '%s'", string(data))
	}
}

func TestTailBuffer_Replace(t *testing.T) {
	b := NewTailBuffer(10)
	b.Append([]byte("local data"))

	b.Replace([]byte("server"))

	if b.String() != "server" {
		t.Errorf("expected 'server', got '%s'", b.String())
	}

	// Replace with oversized data keeps the suffix
	b.Replace([]byte("0123456789abc"))
	if b.String() != "3456789abc" {
		t.Errorf("expected '3456789abc', got '%s'", b.String())
	}
}

func TestTailBuffer_Bytes(t *testing.T) {
	b := NewTailBuffer(10)

	// Bytes on empty buffer
	if data := b.Bytes(); data != nil {
		t.Errorf("expected nil for empty buffer, got %v", data)
	}

	b.Append([]byte("test"))
	data := b.Bytes()
	if !bytes.Equal(data, []byte("test")) {
		t.Errorf("expected 'test', got '%s'", string(data))
	}

	// Verify Bytes returns a copy
	data[0] = 'X'
	data2 := b.Bytes()
	if !bytes.Equal(data2, []byte("test")) {
		t.Errorf("Bytes should return a copy, got '%s'", string(data2))
	}
}

func TestTailBuffer_Reset(t *testing.T) {
	b := NewTailBuffer(10)
	b.AppendString("hello")

	b.Reset()

	if b.Len() != 0 {
		t.Errorf("expected length 0 after reset, got %d", b.Len())
	}

	// Should be able to write again after reset
	b.AppendString("world")
	if b.String() != "world" {
		t.Errorf("expected 'world', got '%s'", b.String())
	}
}

// The buffer content is always a suffix of everything ever appended, and
// never exceeds the capacity.
func TestTailBuffer_SuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("content is a bounded suffix of all writes", prop.ForAll(
		func(chunks []string, capacity int) bool {
			b := NewTailBuffer(capacity)
			var all strings.Builder
			for _, c := range chunks {
				b.AppendString(c)
				all.WriteString(c)
			}
			content := b.String()
			return len(content) <= b.Cap() && strings.HasSuffix(all.String(), content)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
