package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

var ErrNoResults = errors.New("no results found for query")

var (
	jsOnce       sync.Once
	cachedJSArgs []string
)

// SearchResult is a single autocomplete suggestion.
type SearchResult struct {
	URL   string
	Title string
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// QueryCache memoizes autocomplete searches for an hour.
type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

// YtdlpResolver resolves queries through yt-dlp and serves autocomplete
// through the native search clients.
type YtdlpResolver struct {
	cache *QueryCache
}

func NewYtdlpResolver() *YtdlpResolver {
	return &YtdlpResolver{
		cache: &QueryCache{items: make(map[string]cachedItem)},
	}
}

func isURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}

// Resolve turns a URL or free-text query into a playable track. Free text
// goes through a ytsearch1: lookup, so the top result wins.
func (r *YtdlpResolver) Resolve(ctx context.Context, query string) (Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Track{}, ErrNoResults
	}

	target := query
	if !isURL(target) {
		target = "ytsearch1:" + target
	} else {
		target = strings.Replace(target, "music.youtube.com", "www.youtube.com", 1)
	}

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", target)...)
	if err != nil {
		if ctx.Err() != nil {
			return Track{}, ctx.Err()
		}
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		LogResolver("yt-dlp resolve failed for %q: %v, stderr: %s", query, err, stderr)
		return Track{}, fmt.Errorf("failed to resolve %q: %w", query, err)
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return Track{
			ID:        ps[4],
			Title:     ps[1],
			Channel:   ps[2],
			SourceURI: ps[0],
			Duration:  d,
		}, nil
	}
	return Track{}, ErrNoResults
}

// Search powers slash-command autocomplete: YouTube Music and YouTube
// queried in parallel, results deduped and cached.
func (r *YtdlpResolver) Search(q string) []SearchResult {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}

	r.cache.RLock()
	if item, ok := r.cache.items[q]; ok && time.Now().Before(item.expiresAt) {
		r.cache.RUnlock()
		return item.results
	}
	r.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		if res == nil {
			return
		}
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			artist := ""
			if len(v.Artists) > 0 {
				artist = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
					Title: truncateChoice(v.Title + artist),
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(ctx, q)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
					Title: truncateChoice(v.Title),
				})
			}
			resMu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		r.cache.Lock()
		r.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		r.cache.Unlock()
	}
	return fin
}

// gcCache drops expired entries; returns how many were removed.
func (r *YtdlpResolver) gcCache(now time.Time) int {
	r.cache.Lock()
	defer r.cache.Unlock()
	removed := 0
	for k, v := range r.cache.items {
		if now.After(v.expiresAt) {
			delete(r.cache.items, k)
			removed++
		}
	}
	return removed
}

// Discord caps choice names at 100 characters.
func truncateChoice(s string) string {
	if len(s) <= 100 {
		return s
	}
	return s[:97] + "..."
}

// ===========================
// yt-dlp plumbing
// ===========================

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func init() {
	RegisterDaemon(LogResolver, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if GlobalResolver != nil {
						if n := GlobalResolver.gcCache(now); n > 0 {
							LogResolver("Evicted %d expired search cache entries", n)
						}
					}
				}
			}
		}
		return true, run, nil
	})
}

// GlobalResolver is the process-wide resolver, set during client startup.
var GlobalResolver *YtdlpResolver
