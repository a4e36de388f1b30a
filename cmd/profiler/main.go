package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/dustin/go-humanize"
)

var (
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile = flag.String("memprofile", "", "write memory profile to file")
	numPoints  = flag.Int("points", 100000, "number of companies to generate")
	zoomLevel  = flag.Int("zoom", 8, "zoom level to query")
	testall    = flag.Bool("testall", false, "run every point count and zoom combination")
)

// profileRun is one load plus one viewport query.
type profileRun struct {
	load    time.Duration
	query   time.Duration
	nodes   int
	allocMB float64
	gcRuns  uint32
}

func profile(numPoints, zoom int) profileRun {
	points := cluster.GenerateTestPoints(numPoints, geo.Norway, 42)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	start := time.Now()
	sc := cluster.NewSupercluster(cluster.DefaultOptions())
	sc.Load(points)
	load := time.Since(start)

	start = time.Now()
	nodes := sc.GetClusters(geo.Norway, zoom)
	query := time.Since(start)

	runtime.ReadMemStats(&after)
	return profileRun{
		load:    load,
		query:   query,
		nodes:   len(nodes),
		allocMB: float64(after.TotalAlloc-before.TotalAlloc) / 1024 / 1024,
		gcRuns:  after.NumGC - before.NumGC,
	}
}

func runSingleProfile(numPoints, zoom int) {
	fmt.Printf("Profiling %s companies at zoom %d\n", humanize.Comma(int64(numPoints)), zoom)
	r := profile(numPoints, zoom)
	fmt.Printf("Index built in %v\n", r.load)
	fmt.Printf("Query returned %d nodes in %v\n", r.nodes, r.query)
	fmt.Printf("Memory allocated: %.2f MB (%d GC runs)\n", r.allocMB, r.gcRuns)
}

func runProfileBattery() {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{4, 6, 8, 12, 15}

	fmt.Printf("%-10s | %-6s | %-14s | %-14s | %-8s | %-12s | %-7s\n",
		"Points", "Zoom", "Load", "Query", "Nodes", "Memory (MB)", "GC Runs")
	fmt.Println("------------------------------------------------------------------------------------")

	for _, points := range pointCounts {
		for _, zoom := range zoomLevels {
			r := profile(points, zoom)
			fmt.Printf("%-10d | %-6d | %-14s | %-14s | %-8d | %-12.2f | %-7d\n",
				points, zoom, r.load, r.query, r.nodes, r.allocMB, r.gcRuns)
		}
		fmt.Println("------------------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	if *testall {
		runProfileBattery()
	} else {
		runSingleProfile(*numPoints, *zoomLevel)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}
}
