package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/cluster"
	"github.com/Bedriftsgrafen/bedriftsgrafen.no-sub000/geo"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build, list and inspect persisted cluster indexes",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index synthetic companies and persist the result",
	Long: `Generates companies spread over Norway, builds the cluster index and
writes it to the snapshot directory (zstd) or to --out as a mapped file.

Example:
  bedriftsgrafen snapshot build --points 250000
  bedriftsgrafen snapshot build --points 50000 --mapped --out index.bin`,
	RunE: runSnapshotBuild,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE:  runSnapshotList,
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect [id|file]",
	Short: "Load a snapshot and summarize it at one zoom level",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotInspect,
}

func init() {
	snapshotBuildCmd.Flags().Int("points", 100000, "number of companies to generate")
	snapshotBuildCmd.Flags().Int64("seed", 42, "random seed")
	snapshotBuildCmd.Flags().Bool("mapped", false, "write an uncompressed memory-mapped file")
	snapshotBuildCmd.Flags().String("out", "index.bin", "output path for --mapped")

	snapshotInspectCmd.Flags().Bool("mapped", false, "argument is a mapped file path")
	snapshotInspectCmd.Flags().Int("zoom", 5, "zoom level to summarize")

	snapshotCmd.AddCommand(snapshotBuildCmd, snapshotListCmd, snapshotInspectCmd)
}

func runSnapshotBuild(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("points")
	seed, _ := cmd.Flags().GetInt64("seed")
	mapped, _ := cmd.Flags().GetBool("mapped")

	start := time.Now()
	sc := cluster.NewSupercluster(cfg.Cluster)
	sc.Load(cluster.GenerateTestPoints(n, geo.Norway, seed))
	log.Info("index_built", zap.Int("points", n), zap.Duration("took", time.Since(start)))

	if mapped {
		out, _ := cmd.Flags().GetString("out")
		if err := sc.SaveMapped(out); err != nil {
			return err
		}
		fi, err := os.Stat(out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out, humanize.Bytes(uint64(fi.Size())))
		return nil
	}

	pool := newPool()
	defer pool.Close()
	info, err := pool.SaveIndex(sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.ID, humanize.Bytes(uint64(info.FileSize)))
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	pool := newPool()
	defer pool.Close()

	infos, err := pool.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no snapshots in %s\n", cfg.Indexes.Dir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOINTS\tSIZE\tCREATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			info.ID,
			humanize.Comma(int64(info.NumPoints)),
			humanize.Bytes(uint64(info.FileSize)),
			humanize.Time(info.Timestamp))
	}
	return w.Flush()
}

func runSnapshotInspect(cmd *cobra.Command, args []string) error {
	mapped, _ := cmd.Flags().GetBool("mapped")
	zoom, _ := cmd.Flags().GetInt("zoom")

	start := time.Now()
	var sc *cluster.Supercluster
	var err error
	if mapped {
		sc, err = cluster.LoadMappedSupercluster(args[0])
	} else {
		pool := newPool()
		defer pool.Close()
		sc, err = pool.LoadFile(args[0])
	}
	if err != nil {
		return err
	}
	took := time.Since(start)

	s := cluster.Summarize(sc.GetClusters(geo.World, zoom))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "points:      %s (loaded in %s)\n", humanize.Comma(int64(sc.Len())), took.Round(time.Millisecond))
	fmt.Fprintf(out, "zoom %d:      %d clusters, %d single points\n", zoom, s.NumClusters, s.NumSinglePoints)
	fmt.Fprintf(out, "employees:   %s across %s companies\n",
		humanize.Comma(int64(s.Employees.Sum)), humanize.Comma(int64(s.WithEmployees)))
	return nil
}
