package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anchorhold/vaultstream/pkg/events"
	"github.com/anchorhold/vaultstream/pkg/fault"
)

// HTTPSource pulls normalized event envelopes from an HTTP stream gateway.
// The gateway owns ledger-protocol decoding; this side only consumes pages.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource builds a source against the gateway base URL.
func NewHTTPSource(endpoint string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type pullResponse struct {
	Events     []events.RawEvent `json:"events"`
	NextCursor string            `json:"next_cursor"`
}

// Pull fetches one page at cur. All transport failures are transient: the
// stream gateway being down or slow is exactly what reconnect backoff is for.
func (s *HTTPSource) Pull(ctx context.Context, cur string, sourceIDs []string, eventTypes []string) (Page, error) {
	q := url.Values{}
	if cur != "" {
		q.Set("cursor", cur)
	}
	if len(sourceIDs) > 0 {
		q.Set("contracts", strings.Join(sourceIDs, ","))
	}
	if len(eventTypes) > 0 {
		q.Set("types", strings.Join(eventTypes, ","))
	}

	reqURL := s.endpoint + "/events"
	if enc := q.Encode(); enc != "" {
		reqURL += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Page{}, fault.WrapInternal(err, "build pull request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fault.WrapTransient(fault.CodeConnectionFailed, err, "pull events")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fault.Transient(fault.CodeConnectionFailed,
			"pull events: unexpected status %d", resp.StatusCode)
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Page{}, fault.WrapTransient(fault.CodeConnectionFailed, err, "decode pull response")
	}

	return Page{Events: body.Events, NextCursor: body.NextCursor}, nil
}
