package watermark

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePutsNewIDsFirst(t *testing.T) {
	w := New("id3", "id2", "id1")
	got := w.Merge([]string{"id5", "id4"}, 10)
	assert.Equal(t, []string{"id5", "id4", "id3", "id2", "id1"}, got.IDs())
}

func TestMergeTruncatesToK(t *testing.T) {
	w := New("id3", "id2", "id1")
	got := w.Merge([]string{"id5", "id4"}, 3)
	assert.Equal(t, []string{"id5", "id4", "id3"}, got.IDs())
}

func TestMergeOverlapKeepsNewOrder(t *testing.T) {
	w := New("b", "a", "c")
	got := w.Merge([]string{"c", "d", "b"}, 10)
	assert.Equal(t, []string{"c", "d", "b", "a"}, got.IDs())
}

func TestMergeDropsDuplicatesWithinNew(t *testing.T) {
	got := Window{}.Merge([]string{"x", "x", "", "y", "x"}, 5)
	assert.Equal(t, []string{"x", "y"}, got.IDs())
}

func TestMergeLaw(t *testing.T) {
	prior := []string{"p1", "p2", "p3", "n2"}
	fresh := []string{"n1", "n2", "n1", "n3"}

	for k := 1; k <= 8; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			got := New(prior...).Merge(fresh, k).IDs()

			// Expected: dedup(fresh ++ prior) truncated to k.
			var want []string
			seen := map[string]bool{}
			for _, id := range append(append([]string{}, fresh...), prior...) {
				if !seen[id] {
					seen[id] = true
					want = append(want, id)
				}
			}
			if len(want) > k {
				want = want[:k]
			}
			assert.Equal(t, want, got)
			assert.LessOrEqual(t, len(got), k)
		})
	}
}

func TestMergeZeroKKeepsOne(t *testing.T) {
	got := New("a").Merge([]string{"b"}, 0)
	assert.Equal(t, []string{"b"}, got.IDs())
}

func TestIDsIsACopy(t *testing.T) {
	w := New("a", "b")
	ids := w.IDs()
	ids[0] = "mutated"
	assert.Equal(t, "a", w.IDs()[0])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	w := New("id2", "id1")
	got, ok := Decode(w.Encode())
	require.True(t, ok)
	assert.Equal(t, w.IDs(), got.IDs())
}

func TestDecodeCorruptIsEmpty(t *testing.T) {
	for _, raw := range []string{"{not json", `{"a":1}`, "[1,2"} {
		got, ok := Decode(raw)
		assert.False(t, ok, raw)
		assert.True(t, got.Empty(), raw)
	}
}

func TestDecodeBlankIsEmptyAndValid(t *testing.T) {
	got, ok := Decode("  ")
	assert.True(t, ok)
	assert.True(t, got.Empty())
	assert.Equal(t, "[]", got.Encode())
}

func TestContainsAndSet(t *testing.T) {
	w := New("a", "b")
	assert.True(t, w.Contains("b"))
	assert.False(t, w.Contains("c"))
	assert.Len(t, w.Set(), 2)
}
