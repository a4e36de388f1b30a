// Package geostats reads per-region company statistics. Unlike markers,
// failures here are critical and always reach the caller.
package geostats

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/metrics"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/upstream"
)

const (
	statsPath    = "/v1/stats/geography"
	averagesPath = "/v1/stats/geography/averages"
)

// Metrics accepted by the statistics endpoints.
const (
	MetricCompanyCount   = "company_count"
	MetricNewLastYear    = "new_last_year"
	MetricBankruptcies   = "bankruptcies"
	MetricPerCapita      = "companies_per_capita"
	MetricEmployeesTotal = "employees_total"
)

type Query struct {
	Level      geo.Level
	Metric     string
	Nace       string
	CountyCode string
}

func (q Query) values() url.Values {
	v := url.Values{}
	level := q.Level
	if level == "" {
		level = geo.LevelCounty
	}
	v.Set("level", string(level))
	metric := q.Metric
	if metric == "" {
		metric = MetricCompanyCount
	}
	v.Set("metric", metric)
	if q.Nace != "" {
		v.Set("nace", q.Nace)
	}
	if q.CountyCode != "" {
		v.Set("county_code", q.CountyCode)
	}
	return v
}

type RegionStat struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Population *int    `json:"population"`
}

type Averages struct {
	NationalAvg   float64  `json:"national_avg"`
	NationalTotal float64  `json:"national_total"`
	CountyAvg     *float64 `json:"county_avg,omitempty"`
	CountyTotal   *float64 `json:"county_total,omitempty"`
	CountyName    string   `json:"county_name,omitempty"`
}

// Max returns the largest value in stats, or 0 when empty.
func Max(stats []RegionStat) float64 {
	var m float64
	for _, s := range stats {
		if s.Value > m {
			m = s.Value
		}
	}
	return m
}

type Client struct {
	api *upstream.Client
}

func NewClient(api *upstream.Client) *Client {
	return &Client{api: api}
}

func (c *Client) Stats(ctx context.Context, q Query) ([]RegionStat, error) {
	var stats []RegionStat
	if err := c.api.GetJSON(ctx, statsPath, q.values(), &stats); err != nil {
		metrics.StatsRequestsTotal.WithLabelValues("stats", "error").Inc()
		return nil, fmt.Errorf("geography stats: %w", err)
	}
	metrics.StatsRequestsTotal.WithLabelValues("stats", "ok").Inc()
	return stats, nil
}

func (c *Client) Averages(ctx context.Context, q Query) (*Averages, error) {
	var avg Averages
	if err := c.api.GetJSON(ctx, averagesPath, q.values(), &avg); err != nil {
		metrics.StatsRequestsTotal.WithLabelValues("averages", "error").Inc()
		return nil, fmt.Errorf("geography averages: %w", err)
	}
	metrics.StatsRequestsTotal.WithLabelValues("averages", "ok").Inc()
	return &avg, nil
}
