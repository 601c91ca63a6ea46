package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// robotsCache fetches and caches robots.txt per host. Entries expire
// after ttl so a
// long-running worker picks up site policy changes without a restart.
type robotsCache struct {
	mu      sync.Mutex
	entries map[string]robotsEntry
	ttl     time.Duration
}

type robotsEntry struct {
	rules    []robotsRule
	fetchedAt time.Time
}

type robotsRule struct {
	agent   string
	disallow []string
	allow    []string
}

func newRobotsCache() *robotsCache {
	return &robotsCache{entries: make(map[string]robotsEntry), ttl: time.Hour}
}

// allowed reports whether u's path may be fetched, per the cached
// robots.txt for u's host (user-agent group "*").
func (c *robotsCache) allowed(ctx context.Context, client *http.Client, u *url.URL) (bool, error) {
	entry, err := c.entryFor(ctx, client, u)
	if err != nil {
		return true, err // fail open: a broken robots.txt fetch does not block crawling
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	longestAllow, longestDisallow := -1, -1
	for _, rule := range entry.rules {
		if rule.agent != "*" {
			continue
		}
		for _, d := range rule.disallow {
			if d != "" && strings.HasPrefix(path, d) && len(d) > longestDisallow {
				longestDisallow = len(d)
			}
		}
		for _, a := range rule.allow {
			if a != "" && strings.HasPrefix(path, a) && len(a) > longestAllow {
				longestAllow = len(a)
			}
		}
	}
	if longestDisallow < 0 {
		return true, nil
	}
	return longestAllow >= longestDisallow, nil
}

func (c *robotsCache) entryFor(ctx context.Context, client *http.Client, u *url.URL) (robotsEntry, error) {
	c.mu.Lock()
	if e, ok := c.entries[u.Host]; ok && time.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return robotsEntry{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return robotsEntry{}, err
	}
	defer resp.Body.Close()

	entry := robotsEntry{fetchedAt: time.Now()}
	if resp.StatusCode == http.StatusOK {
		entry.rules = parseRobots(resp.Body)
	}
	// A non-200 (including 404) is treated as "no restrictions", same
	// as most polite crawlers.

	c.mu.Lock()
	c.entries[u.Host] = entry
	c.mu.Unlock()
	return entry, nil
}

func parseRobots(body interface{ Read([]byte) (int, error) }) []robotsRule {
	var rules []robotsRule
	var current *robotsRule
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		switch key {
		case "user-agent":
			if current != nil {
				rules = append(rules, *current)
			}
			current = &robotsRule{agent: strings.ToLower(val)}
		case "disallow":
			if current != nil {
				current.disallow = append(current.disallow, val)
			}
		case "allow":
			if current != nil {
				current.allow = append(current.allow, val)
			}
		}
	}
	if current != nil {
		rules = append(rules, *current)
	}
	return rules
}
