package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file.
var knownKeys = map[string]bool{
	// Server
	"base_url": true, "push_url": true, "user_agent": true, "requests_per_second": true,
	// Storage
	"token_file": true, "state_dir": true,
	// Timeouts
	"request_timeout": true, "upload_timeout": true, "status_timeout": true,
	// Polling
	"poll_pending_interval": true, "poll_processing_interval": true, "poll_slow_interval": true,
	"poll_slower_interval": true, "poll_max_interval": true, "poll_max_attempts": true,
	"poll_safety_timeout": true,
	// Live channel
	"websocket": true, "reconnect_max_attempts": true, "reconnect_base_backoff": true,
	"reconnect_max_backoff": true,
	// Logging and metrics
	"log_level": true, "log_format": true, "metrics_listen": true,
}

// knownKeysList is knownKeys sorted, so equal-distance suggestions are
// deterministic.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys reports every undecoded key, with a suggestion when one
// is close enough.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		name := key[0]

		if len(key) > 1 {
			errs = append(errs, fmt.Errorf("unknown config section %q: all keys are top-level", name))
			continue
		}

		if suggestion := closestMatch(name, knownKeysList); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q, did you mean %q?", name, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", name))
		}
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using two
// rolling rows.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
