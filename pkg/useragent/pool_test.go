package useragent

import (
	"strings"
	"sync"
	"testing"
)

func TestPool_RotatesBetweenSessions(t *testing.T) {
	p := NewPool([]string{"A", "B", "C"})

	first := p.ForSession()
	seen := map[string]int{first: 1}
	for i := 0; i < 5; i++ {
		seen[p.ForSession()]++
	}
	for _, ua := range []string{"A", "B", "C"} {
		if seen[ua] != 2 {
			t.Errorf("%s handed out %d times in two rounds, want 2", ua, seen[ua])
		}
	}
}

func TestPool_CleansInput(t *testing.T) {
	p := NewPool([]string{" A ", "", "A", "B", "  "})
	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
	for i := 0; i < 4; i++ {
		if ua := p.ForSession(); ua != "A" && ua != "B" {
			t.Fatalf("unexpected user agent %q", ua)
		}
	}
}

func TestPool_DefaultsToChrome(t *testing.T) {
	for _, in := range [][]string{nil, {"", " "}} {
		p := NewPool(in)
		if p.Len() != len(DefaultPool) {
			t.Fatalf("Len = %d, want %d", p.Len(), len(DefaultPool))
		}
	}
	for _, ua := range DefaultPool {
		if !strings.Contains(ua, "Chrome/") {
			t.Errorf("default user agent %q is not Chrome", ua)
		}
	}
}

func TestPool_Concurrent(t *testing.T) {
	p := NewPool([]string{"A", "B"})
	var wg sync.WaitGroup
	counts := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts <- p.ForSession()
		}()
	}
	wg.Wait()
	close(counts)

	seen := map[string]int{}
	for ua := range counts {
		seen[ua]++
	}
	if seen["A"] != 50 || seen["B"] != 50 {
		t.Errorf("uneven rotation under concurrency: %v", seen)
	}
}
