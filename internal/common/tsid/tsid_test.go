package tsid

import (
	"sort"
	"sync"
	"testing"
)

func TestGenerateLength(t *testing.T) {
	id := Generate()
	if len(id) != 13 {
		t.Errorf("expected 13 characters, got %d (%q)", len(id), id)
	}
}

func TestGenerateAlphabet(t *testing.T) {
	id := Generate()
	for _, c := range id {
		found := false
		for _, a := range alphabet {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("character %q not in Crockford Base32 alphabet", c)
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := Generate()
		if seen[id] {
			t.Fatalf("duplicate TSID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGenerateSortable(t *testing.T) {
	var g Generator
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = g.Generate()
	}

	sorted := append([]string{}, ids...)
	sort.Strings(sorted)

	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("IDs not generated in sort order at index %d: %s vs %s", i, ids[i], sorted[i])
		}
	}
}

func TestGenerateConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := Generate()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate TSID under concurrency: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
