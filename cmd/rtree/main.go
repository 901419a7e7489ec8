// Copyright 2016 DeepFabric, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/fagongzi/log"
	"github.com/fagongzi/util/format"
	"github.com/montanaflynn/stats"

	"github.com/rusty-fast-solvers/rusty-tree/pkg/comm"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/hyksort"
	"github.com/rusty-fast-solvers/rusty-tree/pkg/tree"
)

var (
	ranks         = flag.Int("ranks", 4, "Number of in-process ranks")
	points        = flag.Int("points", 10000, "Points per rank")
	pointsPerRank = flag.String("points-per-rank", "", "Comma separated point counts, one per rank, overrides --points")
	ncrit         = flag.Int("ncrit", tree.NCrit, "Max points per leaf")
	k             = flag.Int("k", hyksort.DefaultK, "Hyksort fan out, power of two")
	balanced      = flag.Bool("balanced", false, "Enforce the 2:1 balance condition")
	seed          = flag.Int64("seed", 42, "Random seed for the point cloud")
)

func main() {
	flag.Parse()
	log.InitLog()

	counts, err := parseCounts()
	if err != nil {
		log.Fatalf("rtree: invalid --points-per-rank, errors:\n%+v", err)
	}

	comms := comm.NewLocalComms(*ranks)
	opts := tree.Options{NCrit: *ncrit, K: *k}

	trees := make([]*tree.DistributedTree, *ranks)
	errs := make([]error, *ranks)

	var wg sync.WaitGroup
	for r := 0; r < *ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(*seed + int64(r)))
			coords := make([][3]float64, counts[r])
			for i := range coords {
				coords[i] = [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
			}

			trees[r], errs[r] = tree.NewDistributedTreeWithOptions(coords, *balanced, opts, comms[r])
		}(r)
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			log.Fatalf("rtree: build failed, rank=<%d> errors:\n%+v", r, err)
		}
	}

	report(trees)
}

func parseCounts() ([]int, error) {
	counts := make([]int, *ranks)
	for r := range counts {
		counts[r] = *points
	}

	if *pointsPerRank == "" {
		return counts, nil
	}

	fields := strings.Split(*pointsPerRank, ",")
	for r := 0; r < *ranks && r < len(fields); r++ {
		n, err := format.ParseStrUInt64(strings.TrimSpace(fields[r]))
		if err != nil {
			return nil, err
		}
		counts[r] = int(n)
	}

	return counts, nil
}

// report logs the per-rank leaf and point counts and the hyksort load
// skew: the max over mean point count across ranks.
func report(trees []*tree.DistributedTree) {
	loads := make([]float64, 0, len(trees))
	totalLeaves := 0
	for r, t := range trees {
		log.Infof("rtree: rank result, rank=<%d> leaves=<%d> points=<%d>",
			r, len(t.Leaves), len(t.Points))
		loads = append(loads, float64(len(t.Points)))
		totalLeaves += len(t.Leaves)
	}

	mean, err := stats.Mean(loads)
	if err != nil {
		os.Exit(0)
	}
	max, _ := stats.Max(loads)

	skew := 0.0
	if mean > 0 {
		skew = max / mean
	}

	log.Infof("rtree: summary, leaves=<%d> mean-points=<%.1f> max-points=<%.0f> skew=<%.2f>",
		totalLeaves, mean, max, skew)
}
