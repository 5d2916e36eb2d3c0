package main

import (
	"strings"
	"testing"
	"time"
)

func TestIsURL(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc", true},
		{"http://example.com/audio.mp3", true},
		{"never gonna give you up", false},
		{"ftp://example.com/file", false},
	}
	for _, c := range cases {
		if got := isURL(c.in); got != c.want {
			t.Errorf("isURL(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestQueryCacheGC(t *testing.T) {
	r := NewYtdlpResolver()
	now := time.Now()

	r.cache.Lock()
	r.cache.items["fresh"] = cachedItem{results: []SearchResult{{Title: "a"}}, expiresAt: now.Add(time.Hour)}
	r.cache.items["stale"] = cachedItem{results: []SearchResult{{Title: "b"}}, expiresAt: now.Add(-time.Minute)}
	r.cache.Unlock()

	if removed := r.gcCache(now); removed != 1 {
		t.Errorf("gcCache removed %d entries, want 1", removed)
	}

	r.cache.RLock()
	defer r.cache.RUnlock()
	if _, ok := r.cache.items["fresh"]; !ok {
		t.Error("gcCache evicted a live entry")
	}
	if _, ok := r.cache.items["stale"]; ok {
		t.Error("gcCache kept an expired entry")
	}
}

func TestTruncateChoice(t *testing.T) {
	if got := truncateChoice("short"); got != "short" {
		t.Errorf("truncateChoice(short) = %q", got)
	}
	long := strings.Repeat("x", 150)
	got := truncateChoice(long)
	if len(got) != 100 {
		t.Errorf("truncated length = %d, want 100", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated choice missing ellipsis: %q", got)
	}
}
