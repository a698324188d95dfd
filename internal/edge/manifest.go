package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"vybbi-edge/internal/fetch"
)

// assetManifest is the build tool's asset-manifest.json.
type assetManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// discoverShell fetches the asset manifest and returns the root-relative
// paths it lists. Source maps and the HTML entry are skipped; the shell
// already carries "/".
func discoverShell(ctx context.Context, doer fetch.Doer, origin, manifestURL string) ([]string, error) {
	manifestURL = absoluteURL(origin, manifestURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Some servers send .gz files without Content-Encoding.
	if strings.HasSuffix(strings.ToLower(manifestURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var m assetManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	seen := map[string]struct{}{}
	var out []string
	add := func(loc string) {
		p := pathFromLoc(loc)
		if p == "" || strings.HasSuffix(p, ".map") || path.Base(p) == "index.html" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, e := range m.Entrypoints {
		add(e)
	}
	files := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		add(f)
	}
	return out, nil
}

// mergeShell appends discovered paths missing from base.
func mergeShell(base, discovered []string) []string {
	out := append([]string(nil), base...)
	have := make(map[string]struct{}, len(base))
	for _, p := range base {
		have[p] = struct{}{}
	}
	for _, p := range discovered {
		if _, ok := have[p]; ok {
			continue
		}
		have[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func absoluteURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin + u
}

func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
