/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xiamhq/hierarchy"
	"github.com/xiamhq/hierarchy/x"
)

// Bench is the subcommand that populates a large tree and hammers it with
// concurrent access checks, reporting latency quantiles and the cache hit
// ratio. It is the Go counterpart of the hierarchy performance script the
// admin API used to be tested with.
var Bench x.SubCommand

func init() {
	Bench.Cmd = &cobra.Command{
		Use:   "bench",
		Short: "Populate a large tree and benchmark concurrent access checks",
		Run: func(cmd *cobra.Command, args []string) {
			runBench()
		},
		Annotations: map[string]string{"group": "default"},
	}
	Bench.EnvPrefix = "XIAM_BENCH"
	Bench.Cmd.SetHelpTemplate(x.NonRootTemplate)

	flag := Bench.Cmd.Flags()
	flag.String("dir", "", "Storage directory. Empty runs fully in memory.")
	flag.Int("nodes", 100000, "Number of tree nodes to create.")
	flag.Int("users", 100, "Number of distinct users holding grants.")
	flag.Int("grants", 5, "Grants per user, on random nodes.")
	flag.Int("checks", 200000, "Total number of access checks to run.")
	flag.Int("concurrency", 16, "Concurrent check workers.")
	flag.Int64("seed", 1, "RNG seed, for repeatable trees.")
}

var nodeTypes = []string{"region", "company", "department", "team", "project"}

func runBench() {
	var (
		dir         = Bench.Conf.GetString("dir")
		numNodes    = Bench.Conf.GetInt("nodes")
		numUsers    = Bench.Conf.GetInt("users")
		numGrants   = Bench.Conf.GetInt("grants")
		numChecks   = Bench.Conf.GetInt("checks")
		concurrency = Bench.Conf.GetInt("concurrency")
		seed        = Bench.Conf.GetInt64("seed")
	)

	eng, err := hierarchy.Open(hierarchy.Options{
		Dir:             dir,
		InMemory:        dir == "",
		CacheMaxEntries: int64(numNodes),
	})
	x.Check(err)
	defer func() { x.Check(eng.Close()) }()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))

	glog.Infof("building tree with %s nodes", humanize.Comma(int64(numNodes)))
	start := time.Now()
	ids := make([]string, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		parent := ""
		// A few percent of nodes become extra roots; the rest attach to a
		// random existing node, which keeps depth logarithmic.
		if len(ids) > 0 && rng.Intn(100) >= 2 {
			parent = ids[rng.Intn(len(ids))]
		}
		typ := nodeTypes[rng.Intn(len(nodeTypes))]
		node, err := eng.CreateNode(ctx, fmt.Sprintf("%s %d", typ, i), typ, parent, nil)
		x.Checkf(err, "creating node %d", i)
		ids = append(ids, node.ID)
		if (i+1)%10000 == 0 {
			glog.Infof("created %s nodes", humanize.Comma(int64(i+1)))
		}
	}
	glog.Infof("tree built in %s", time.Since(start).Round(time.Millisecond))

	users := make([]string, numUsers)
	for u := range users {
		users[u] = fmt.Sprintf("user-%d", u)
		for g := 0; g < numGrants; g++ {
			_, err := eng.GrantAccess(ctx, users[u], ids[rng.Intn(len(ids))], "role-viewer")
			x.Checkf(err, "granting for %s", users[u])
		}
	}
	glog.Infof("granted %s accesses", humanize.Comma(int64(numUsers*numGrants)))

	glog.Infof("running %s checks across %d workers",
		humanize.Comma(int64(numChecks)), concurrency)
	hists := make([]*hdrhistogram.Histogram, concurrency)
	var allowed atomic.Int64
	start = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		hists[w] = hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)
		w := w
		g.Go(func() error {
			wrng := rand.New(rand.NewSource(seed + int64(w) + 1))
			hist := hists[w]
			var ok int64
			for i := 0; i < numChecks/concurrency; i++ {
				user := users[wrng.Intn(len(users))]
				node := ids[wrng.Intn(len(ids))]
				t0 := time.Now()
				can, err := eng.CanAccess(gctx, user, node)
				if err != nil {
					return err
				}
				x.Check(hist.RecordValue(int64(time.Since(t0) / time.Microsecond)))
				if can {
					ok++
				}
			}
			allowed.Add(ok)
			return nil
		})
	}
	x.Check(g.Wait())
	elapsed := time.Since(start)

	total := hists[0]
	for _, h := range hists[1:] {
		total.Merge(h)
	}
	m := eng.Cache().Metrics()
	fmt.Printf(`
checks      : %s in %s (%s/s), %s allowed
latency     : p50 %dus  p95 %dus  p99 %dus  max %dus
cache       : %s hits / %s misses (ratio %.2f)
`,
		humanize.Comma(total.TotalCount()), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(total.TotalCount())/elapsed.Seconds())),
		humanize.Comma(allowed.Load()),
		total.ValueAtQuantile(50), total.ValueAtQuantile(95),
		total.ValueAtQuantile(99), total.Max(),
		humanize.Comma(int64(m.Hits())), humanize.Comma(int64(m.Misses())), m.Ratio())
}
