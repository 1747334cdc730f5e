package offline0

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tailscale/hujson"
)

// LoadManifestFile reads a precache manifest: a JSON array of URLs, comments
// and trailing commas allowed.
//
//	[
//	  "/",
//	  "/index.html", // entry page
//	  "https://cdn.example.com/lib.js",
//	]
func LoadManifestFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var urls []string
	if err := json.Unmarshal(standardized, &urls); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return urls, nil
}

// resolveManifest resolves entries against origin, drops duplicates and keeps
// the first occurrence's position. Entries that do not resolve to an http(s)
// URL are returned in invalid.
func resolveManifest(origin *url.URL, entries []string) (urls []*url.URL, invalid []string) {
	seen := map[string]struct{}{}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		u := ref
		if origin != nil {
			u = origin.ResolveReference(ref)
		}
		if !cacheableScheme(u) {
			invalid = append(invalid, raw)
			continue
		}
		u.Fragment = ""
		k := u.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		urls = append(urls, u)
	}
	return urls, invalid
}
