// Command composebench replays a synthetic widget tree through the
// positional cache and reports how many leaf computations each revision
// actually performed. Useful for eyeballing skip/reorder behavior and for
// profiling the writer.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/on-the-ground/compose_ive_go/compose"
)

type options struct {
	widgets     int
	revisions   int
	mutateEvery int
	shuffle     bool
	verbose     bool
	seed        int64
}

func main() {
	opt := options{}
	root := &cobra.Command{
		Use:   "composebench",
		Short: "benchmark the positional composition cache on a synthetic widget tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opt)
		},
		SilenceUsage: true,
	}
	root.Flags().IntVarP(&opt.widgets, "widgets", "w", 1000, "number of sibling widget groups")
	root.Flags().IntVarP(&opt.revisions, "revisions", "r", 100, "number of runs to replay")
	root.Flags().IntVarP(&opt.mutateEvery, "mutate-every", "m", 10, "invalidate one random widget every N revisions (0 disables)")
	root.Flags().BoolVar(&opt.shuffle, "shuffle", false, "shuffle sibling order every revision")
	root.Flags().BoolVarP(&opt.verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().Int64Var(&opt.seed, "seed", 1, "rng seed")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBench(cmd *cobra.Command, opt options) error {
	logger := zap.NewNop()
	if opt.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer l.Sync()
		logger = l
	}

	cache := compose.NewCache(compose.WithLogger(logger))
	rng := rand.New(rand.NewSource(opt.seed))

	order := make([]int, opt.widgets)
	for i := range order {
		order[i] = i
	}
	keys := make([]compose.Key[int], opt.widgets)

	computes := 0
	totalComputes := 0

	for rev := 1; rev <= opt.revisions; rev++ {
		if opt.shuffle {
			rng.Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}

		computes = 0
		_, err := compose.Run(cache, func(cx *compose.Context) int {
			total := 0
			for _, id := range order {
				total += widget(cx, id, keys, &computes)
			}
			return total
		})
		if err != nil {
			return err
		}
		totalComputes += computes

		if opt.mutateEvery > 0 && rev%opt.mutateEvery == 0 {
			id := rng.Intn(opt.widgets)
			cur, err := compose.GetState(cache, keys[id])
			if err != nil {
				return err
			}
			if err := compose.SetState(cache, keys[id], cur+1); err != nil {
				return err
			}
		}
	}

	report := cache.LastRun()
	fmt.Fprintf(cmd.OutOrStdout(),
		"widgets=%d revisions=%d entries=%d total_computes=%d last_run=%s last_reruns=%d\n",
		opt.widgets, opt.revisions, cache.EntryCount(), totalComputes,
		report.Span.Duration(), report.Reruns,
	)
	return nil
}

// widget is one synthetic leaf: a group owning a state cell and a memoized
// computation over it.
func widget(cx *compose.Context, id int, keys []compose.Key[int], computes *int) int {
	return compose.Scoped(cx, id, func() int {
		return compose.Group(cx, func(dirty bool) int {
			n, key, err := compose.State(cx, func() int { return id })
			if err != nil {
				return 0
			}
			keys[id] = key
			v, err := compose.Memoize(cx, n, func() int {
				*computes++
				return n * n
			})
			if err != nil {
				return 0
			}
			return v
		})
	})
}
