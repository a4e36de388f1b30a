// Package markers fetches company map markers for a filter set, deciding
// when a fetch is worth making and caching the results per filter set.
package markers

import (
	"context"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/upstream"
)

const markersPath = "/v1/companies/markers"

// Response is the markers endpoint payload. Truncated means the upstream
// capped Markers below Total.
type Response struct {
	Markers   []geo.GeoPoint `json:"markers"`
	Total     int            `json:"total"`
	Truncated bool           `json:"truncated"`
}

// Source returns the markers matching a filter set.
type Source interface {
	Markers(ctx context.Context, filters FilterState) (*Response, error)
}

// Client reads markers from the company registry REST API.
type Client struct {
	api *upstream.Client
}

func NewClient(api *upstream.Client) *Client {
	return &Client{api: api}
}

func (c *Client) Markers(ctx context.Context, filters FilterState) (*Response, error) {
	t0 := time.Now()
	var resp Response
	err := c.api.GetJSON(ctx, markersPath, filters.Values(), &resp)
	metrics.MarkerUpstreamDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	if err != nil {
		metrics.MarkerUpstreamTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.MarkerUpstreamTotal.WithLabelValues("ok").Inc()
	if resp.Truncated {
		metrics.MarkerTruncatedTotal.Inc()
	}
	return &resp, nil
}
