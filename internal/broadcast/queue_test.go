package broadcast

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func testKeys(n int) []ConnectionKey {
	keys := make([]ConnectionKey, n)
	for i := range keys {
		keys[i] = ConnectionKey{Owner: uuid.New(), Addr: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	return keys
}

func equalKeys(a, b []ConnectionKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueRotateScenario(t *testing.T) {
	t.Parallel()
	keys := testKeys(3)
	a, b, c := keys[0], keys[1], keys[2]
	q := NewQueue()
	for _, k := range keys {
		q.PushBack(k)
	}

	steps := []struct {
		want  []ConnectionKey
		order []ConnectionKey
	}{
		{want: []ConnectionKey{a, b}, order: []ConnectionKey{c, a, b}},
		{want: []ConnectionKey{c, a}, order: []ConnectionKey{b, c, a}},
		{want: []ConnectionKey{b, c}, order: []ConnectionKey{a, b, c}},
	}
	seen := map[ConnectionKey]int{}
	for i, st := range steps {
		got := q.RotateFront(2)
		if !equalKeys(got, st.want) {
			t.Fatalf("step %d: RotateFront = %v, want %v", i, got, st.want)
		}
		if order := q.Snapshot(); !equalKeys(order, st.order) {
			t.Fatalf("step %d: order = %v, want %v", i, order, st.order)
		}
		for _, k := range got {
			seen[k]++
		}
	}
	for _, k := range keys {
		if seen[k] != 2 {
			t.Fatalf("key %v selected %d times, want 2", k, seen[k])
		}
	}
}

func TestQueueLengthInvariant(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 7, 8, 9, 100} {
		q := NewQueue()
		for _, k := range testKeys(n) {
			q.PushBack(k)
		}
		for _, count := range []int{0, 1, 3, n, n + 5, -1} {
			q.RotateFront(count)
			if q.Len() != n {
				t.Fatalf("n=%d count=%d: Len = %d", n, count, q.Len())
			}
			if len(q.Snapshot()) != n {
				t.Fatalf("n=%d count=%d: snapshot len = %d", n, count, len(q.Snapshot()))
			}
		}
	}
}

func TestQueueRotationFairness(t *testing.T) {
	t.Parallel()
	const n, count = 10, 3
	keys := testKeys(n)
	q := NewQueue()
	for _, k := range keys {
		q.PushBack(k)
	}

	seen := map[ConnectionKey]int{}
	calls := (n + count - 1) / count
	for i := 0; i < calls; i++ {
		for _, k := range q.RotateFront(count) {
			seen[k]++
			// No key may repeat before every key has been seen once.
			if seen[k] > 1 && len(seen) < n {
				t.Fatalf("key %v repeated before full cycle", k)
			}
		}
	}
	if len(seen) != n {
		t.Fatalf("saw %d distinct keys within %d calls, want %d", len(seen), calls, n)
	}
}

func TestQueueRotateOverLengthWraps(t *testing.T) {
	t.Parallel()
	keys := testKeys(3)
	q := NewQueue()
	for _, k := range keys {
		q.PushBack(k)
	}
	got := q.RotateFront(10)
	if !equalKeys(got, keys) {
		t.Fatalf("RotateFront = %v, want %v", got, keys)
	}
	if !equalKeys(q.Snapshot(), keys) {
		t.Fatalf("order changed after full wrap: %v", q.Snapshot())
	}
}

func TestQueueRemoveValue(t *testing.T) {
	t.Parallel()
	keys := testKeys(5)
	q := NewQueue()
	for _, k := range keys {
		q.PushBack(k)
	}
	// Rotate first so the ring is not aligned at index 0.
	q.RotateFront(2)
	if !q.RemoveValue(keys[3]) {
		t.Fatal("RemoveValue returned false for queued key")
	}
	if q.RemoveValue(keys[3]) {
		t.Fatal("RemoveValue returned true for removed key")
	}
	want := []ConnectionKey{keys[2], keys[4], keys[0], keys[1]}
	if got := q.Snapshot(); !equalKeys(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestQueueMoveToBack(t *testing.T) {
	t.Parallel()
	keys := testKeys(3)
	q := NewQueue()
	for _, k := range keys {
		q.PushBack(k)
	}
	if !q.MoveToBack(keys[0]) {
		t.Fatal("MoveToBack should report existing entry")
	}
	want := []ConnectionKey{keys[1], keys[2], keys[0]}
	if got := q.Snapshot(); !equalKeys(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	extra := testKeys(1)[0]
	if q.MoveToBack(extra) {
		t.Fatal("MoveToBack reported a new key as existing")
	}
	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}
}
