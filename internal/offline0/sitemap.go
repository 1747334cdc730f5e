package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapURLs walks sitemaps (following nested sitemap indexes) and
// returns every page location found, in document order. A sitemap that fails
// to load aborts the walk and returns what was found so far.
func discoverSitemapURLs(ctx context.Context, client *http.Client, origin *url.URL, sitemaps []string) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, resolveAgainst(origin, sm))
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, client, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, resolveAgainst(origin, nested))
			}
		}
		for _, loc := range doc.URLs {
			if loc != "" {
				out = append(out, loc)
			}
		}
	}
	return out, nil
}

func resolveAgainst(origin *url.URL, raw string) string {
	if origin == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return origin.ResolveReference(ref).String()
}

func fetchAndParseSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// Go may already have undone Content-Encoding: gzip, so sniff the magic
	// bytes rather than trusting the extension alone.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
