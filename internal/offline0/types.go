package offline0

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ResponseType mirrors how a browser classifies a fetched response relative to
// the page origin.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

// Strategy selects how the engine services eligible requests.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case CacheFirst:
		return CacheFirst, nil
	case NetworkFirst, "":
		return NetworkFirst, nil
	case StaleWhileRevalidate, "swr":
		return StaleWhileRevalidate, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Entry is one stored response. Body is owned by the entry; callers get fresh
// readers through Response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Response builds a new *http.Response backed by its own reader over the
// entry body. Every call yields an independently consumable body.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(e.StoredAt, 0))
}

// splitResponse drains res.Body and returns the live response with a rewound
// body plus an Entry holding a separate copy of the bytes.
func splitResponse(res *http.Response, typ ResponseType) (*http.Response, *Entry, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if err != nil {
			return nil, nil, err
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	stored := make([]byte, len(body))
	copy(stored, body)

	u := ""
	if res.Request != nil && res.Request.URL != nil {
		u = res.Request.URL.String()
	}
	ent := &Entry{
		URL:      u,
		Status:   res.StatusCode,
		Header:   cloneHeader(res.Header),
		Body:     stored,
		Type:     typ,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(stored),
	}
	ent.Header.Del("Content-Length")
	return res, ent, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
