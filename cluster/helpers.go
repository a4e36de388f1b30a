package cluster

import (
	"fmt"
	"math/rand"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
)

type Summary struct {
	TotalPoints     int                `json:"totalPoints"`
	NumClusters     int                `json:"numClusters"`
	NumSinglePoints int                `json:"numSinglePoints"`
	Employees       MetricStats        `json:"employees"`
	WithEmployees   int                `json:"withEmployees"`
	Categories      map[string]float64 `json:"categories"`
}

type MetricStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
}

// Summarize describes what a set of nodes contains. Employee stats are per
// node (cluster totals, not per company); the category distribution is in
// percent of points whose node has a single category.
func Summarize(nodes []Node) Summary {
	summary := Summary{Categories: make(map[string]float64)}
	if len(nodes) == 0 {
		return summary
	}

	categoryCounts := make(map[string]int)
	categorized := 0
	first := true

	for _, n := range nodes {
		if n.IsCluster {
			summary.NumClusters++
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += n.PointCount
		summary.WithEmployees += n.Rollup.WithEmployees

		v := n.Rollup.Employees
		if first {
			summary.Employees.Min = v
			summary.Employees.Max = v
			first = false
		}
		if v < summary.Employees.Min {
			summary.Employees.Min = v
		}
		if v > summary.Employees.Max {
			summary.Employees.Max = v
		}
		summary.Employees.Sum += v

		if n.Rollup.Category != "" {
			categoryCounts[n.Rollup.Category] += n.PointCount
			categorized += n.PointCount
		}
	}

	summary.Employees.Average = summary.Employees.Sum / float64(len(nodes))

	for category, count := range categoryCounts {
		summary.Categories[category] = float64(count) / float64(categorized) * 100
	}
	return summary
}

// GenerateTestPoints scatters n synthetic companies inside bounds. The
// same seed always produces the same points.
func GenerateTestPoints(n int, bounds geo.BoundingBox, seed int64) []geo.GeoPoint {
	r := rand.New(rand.NewSource(seed))
	categories := []string{"62.010", "47.110", "41.200", "56.101", "86.211"}
	points := make([]geo.GeoPoint, n)

	for i := 0; i < n; i++ {
		p := geo.GeoPoint{
			ID:    fmt.Sprintf("%09d", 900000000+i),
			Label: fmt.Sprintf("Testbedrift %d AS", i+1),
			Lat:   bounds.South + r.Float64()*(bounds.North-bounds.South),
			Lng:   bounds.West + r.Float64()*(bounds.East-bounds.West),
		}
		if r.Intn(4) > 0 {
			employees := r.Intn(250)
			p.EmployeeCount = &employees
		}
		category := categories[r.Intn(len(categories))]
		p.CategoryCode = &category
		points[i] = p
	}
	return points
}
