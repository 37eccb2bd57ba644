package fetcher

import (
	"bytes"
	"net/http"
	"strings"
)

const defaultRenderThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("__nuxt"),
}

// RenderHeuristic decides when a static fetch returned a JavaScript shell
// that needs a real browser to produce listings.
type RenderHeuristic struct {
	// BodyLengthThreshold marks small script-heavy pages as shells.
	BodyLengthThreshold int
}

// NewRenderHeuristic builds a heuristic; threshold defaults to 2 KiB.
func NewRenderHeuristic(threshold int) *RenderHeuristic {
	if threshold <= 0 {
		threshold = defaultRenderThreshold
	}
	return &RenderHeuristic{BodyLengthThreshold: threshold}
}

// NeedsRender reports whether resp should be fetched again in a browser.
// Error responses never qualify.
func (h *RenderHeuristic) NeedsRender(resp Response) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> blocks cover a quarter or more
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		relEnd := strings.Index(lower[contentStart:], closeTag)
		next := total
		if relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
