package runqueue

import (
	"fmt"
	"testing"
)

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("org:o%d:proj:p%d:env:e%d:queue:task/%d", i%37, i%11, i, i)
	}
	return keys
}

func TestJumpHashDeterministicAndInRange(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 10, 64, 1000} {
		for _, k := range testKeys(500) {
			a := JumpHashString(k, n)
			b := JumpHashString(k, n)
			if a != b {
				t.Fatalf("JumpHashString(%q, %d) not deterministic: %d vs %d", k, n, a, b)
			}
			if a < 0 || a >= n {
				t.Fatalf("JumpHashString(%q, %d) = %d out of range", k, n, a)
			}
			if n == 1 && a != 0 {
				t.Fatalf("JumpHashString(%q, 1) = %d, want 0", k, a)
			}
		}
	}
}

func TestJumpHashNonPositiveBuckets(t *testing.T) {
	if got := JumpHash(12345, 0); got != 0 {
		t.Errorf("JumpHash(_, 0) = %d, want 0", got)
	}
	if got := JumpHash(12345, -3); got != 0 {
		t.Errorf("JumpHash(_, -3) = %d, want 0", got)
	}
}

func TestJumpHashDistribution(t *testing.T) {
	const n = 10
	keys := testKeys(20000)
	counts := make([]int, n)
	for _, k := range keys {
		counts[JumpHashString(k, n)]++
	}
	expected := len(keys) / n
	for b, c := range counts {
		if c < expected*8/10 || c > expected*12/10 {
			t.Errorf("bucket %d has %d keys, expected about %d", b, c, expected)
		}
	}
}

func TestJumpHashMinimalRemapping(t *testing.T) {
	keys := testKeys(20000)
	for _, from := range []int{1, 5, 10, 31} {
		to := from + 1
		moved := 0
		for _, k := range keys {
			a := JumpHashString(k, from)
			b := JumpHashString(k, to)
			if a != b {
				moved++
				if b != from {
					t.Fatalf("key %q moved from %d to %d, want new bucket %d", k, a, b, from)
				}
			}
		}
		expected := float64(len(keys)) / float64(to)
		if float64(moved) > 2*expected || float64(moved) < 0.5*expected {
			t.Errorf("%d -> %d buckets moved %d keys, expected about %.0f", from, to, moved, expected)
		}
	}
}
