package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StreamRef is a concretely playable stream: a URL plus the request headers
// the playback process must attach itself. Headers are empty for fixed and
// world-directory streams.
type StreamRef struct {
	URL     string
	Headers map[string]string
}

var m3u8Pattern = regexp.MustCompile(`https?://[^\s<>"]+\.m3u8[^\s<>"]*`)

// Resolver turns a station descriptor into a playable stream reference.
// Stations with a fixed URL bypass the upstream entirely; everything else
// goes token → stream XML → playlist endpoint → m3u8. The resolver performs
// no retries of its own beyond what the token manager already does.
type Resolver struct {
	cfg    *Config
	tokens *TokenManager
	client *http.Client
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver builds a resolver over the configured stream endpoints.
func NewResolver(cfg *Config, tokens *TokenManager, log zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.With().Str("component", "resolver").Logger(),
		cache:  make(map[string]string),
	}
}

// Resolve produces a stream reference for the station. Auth exhaustion
// propagates ErrAuthUnavailable; an upstream that knows nothing about the
// station yields ErrStationNotFound; other persistent failures yield
// ErrStationUnresolvable.
func (r *Resolver) Resolve(ctx context.Context, st Station) (StreamRef, error) {
	if st.StreamURL != "" {
		// Fixed override, manual/offline mode: no handshake, no headers.
		return StreamRef{URL: st.StreamURL}, nil
	}

	tok, err := r.tokens.Token(ctx)
	if err != nil {
		return StreamRef{}, fmt.Errorf("resolve %s: %w", st.ID, err)
	}
	headers := r.tokens.Headers(tok)

	if cached := r.cachedURL(st.ID); cached != "" {
		return StreamRef{URL: cached, Headers: headers}, nil
	}

	streamURL, err := r.lookup(ctx, st.ID, headers)
	if err != nil {
		return StreamRef{}, err
	}
	r.storeURL(st.ID, streamURL)
	return StreamRef{URL: streamURL, Headers: headers}, nil
}

func (r *Resolver) cachedURL(stationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[stationID]
}

func (r *Resolver) storeURL(stationID, streamURL string) {
	// Playlists on the medialist endpoint are single-use; caching one would
	// hand out a dead URL on the next switch.
	if strings.Contains(streamURL, "medialist") {
		return
	}
	r.mu.Lock()
	r.cache[stationID] = streamURL
	r.mu.Unlock()
}

// lookup walks the stream XML templates and their playlist-create endpoints.
func (r *Resolver) lookup(ctx context.Context, stationID string, headers map[string]string) (string, error) {
	notFound := 0
	answered := false
	var lastErr error

	for _, tpl := range r.cfg.StreamXMLTemplates {
		endpoint := fmt.Sprintf(tpl, stationID)
		body, status, err := r.get(ctx, endpoint, headers)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusNotFound {
			notFound++
			continue
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			// The token we believed valid was rejected; the next resolve
			// starts from a fresh handshake.
			r.tokens.Invalidate()
			lastErr = fmt.Errorf("stream xml rejected token with HTTP %d", status)
			continue
		}
		if status != http.StatusOK {
			lastErr = fmt.Errorf("stream xml returned HTTP %d", status)
			continue
		}

		if streamURL := r.resolveFromXML(ctx, stationID, body, headers); streamURL != "" {
			r.log.Debug().Str("station", stationID).Str("url", streamURL).Msg("stream resolved")
			return streamURL, nil
		}
		answered = true
	}

	if notFound == len(r.cfg.StreamXMLTemplates) && notFound > 0 {
		return "", fmt.Errorf("%w: %s (out of service region?)", ErrStationNotFound, stationID)
	}
	if answered {
		// The upstream knows the station but handed out no playlist; the
		// simulcast endpoint usually still works for the authenticated player.
		streamURL := fmt.Sprintf(r.cfg.LiveStreamTemplate, stationID)
		r.log.Debug().Str("station", stationID).Str("url", streamURL).Msg("falling back to simulcast stream")
		return streamURL, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no stream endpoints answered")
	}
	return "", fmt.Errorf("%w: %s: %v", ErrStationUnresolvable, stationID, lastErr)
}

// streamURLNode mirrors the per-delivery <url> entries of the stream XML.
type streamURLNode struct {
	Areafree          string `xml:"areafree,attr"`
	Timefree          string `xml:"timefree,attr"`
	PlaylistCreateURL string `xml:"playlist_create_url"`
}

type streamURLsDoc struct {
	URLs []streamURLNode `xml:"url"`
}

func (r *Resolver) resolveFromXML(ctx context.Context, stationID string, body []byte, headers map[string]string) string {
	var doc streamURLsDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		r.log.Debug().Err(err).Str("station", stationID).Msg("stream xml parse failed")
		// Last resort: any m3u8 URL in the raw document.
		return string(m3u8Pattern.Find(body))
	}

	// Prefer live/on-air deliveries over areafree/timefree ones.
	var createURLs []string
	for _, node := range doc.URLs {
		pcu := strings.TrimSpace(node.PlaylistCreateURL)
		if pcu == "" {
			continue
		}
		if node.Areafree == "0" && node.Timefree == "0" {
			createURLs = append([]string{pcu}, createURLs...)
		} else {
			createURLs = append(createURLs, pcu)
		}
	}

	lsid := strings.ReplaceAll(uuid.NewString(), "-", "")
	variants := []url.Values{
		{"station_id": {stationID}, "l": {"15"}, "lsid": {lsid}, "type": {"b"}},
		{"station_id": {stationID}, "l": {"15"}, "lsid": {lsid}},
		{"station_id": {stationID}, "lsid": {lsid}},
		{"station_id": {stationID}},
	}
	for _, createURL := range createURLs {
		for _, params := range variants {
			if m3u8 := r.fetchPlaylist(ctx, createURL, params, headers); m3u8 != "" {
				return m3u8
			}
		}
	}

	return string(m3u8Pattern.Find(body))
}

// fetchPlaylist asks a playlist-create endpoint for the m3u8. The upstream
// expects the parameters as a form body; some mirrors only take a query.
func (r *Resolver) fetchPlaylist(ctx context.Context, createURL string, params url.Values, headers map[string]string) string {
	body, finalURL, ok := r.postForm(ctx, createURL, params, headers)
	if !ok {
		withQuery, err := appendQuery(createURL, params)
		if err != nil {
			return ""
		}
		raw, status, err := r.get(ctx, withQuery, headers)
		if err != nil || status != http.StatusOK {
			return ""
		}
		body, finalURL = raw, withQuery
	}

	if m := m3u8Pattern.Find(body); m != nil {
		return string(m)
	}
	if strings.Contains(string(body), "#EXTM3U") {
		return resolveFirstEntry(finalURL, string(body))
	}
	return ""
}

func (r *Resolver) postForm(ctx context.Context, endpoint string, params url.Values, headers map[string]string) (body []byte, finalURL string, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, "", false
	}
	applyHeaders(req, headers)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", false
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", false
	}
	return raw, resp.Request.URL.String(), true
}

func (r *Resolver) get(ctx context.Context, endpoint string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// resolveFirstEntry returns the first non-comment playlist line resolved
// against the playlist's own URL.
func resolveFirstEntry(baseURL, playlist string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(playlist, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			return ""
		}
		return base.ResolveReference(ref).String()
	}
	return ""
}

func appendQuery(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Set(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
