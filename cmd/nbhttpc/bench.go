package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/liangmanlin/nbhttpc/httpc"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench <url>",
	Short: "Fire many GET requests and report latency",
	Long: `Fire --requests GET requests at a URL with at most --concurrency
connections and report latency percentiles.

Examples:
  nbhttpc bench http://127.0.0.1:8080/ -n 10000 -C 50
  nbhttpc bench https://example.com/ -n 200 --rate 20`,
	Args: cobra.ExactArgs(1),
	RunE: benchCommand,
}

var (
	benchRequestsFlag    int
	benchConcurrencyFlag int
	benchRateFlag        float64
)

func init() {
	benchCmd.Flags().IntVarP(&benchRequestsFlag, "requests", "n", 1000, "Number of requests")
	benchCmd.Flags().IntVarP(&benchConcurrencyFlag, "concurrency", "C", 20, "Connections to the target")
	benchCmd.Flags().Float64Var(&benchRateFlag, "rate", 0, "Requests per second, 0 for unlimited")
}

func benchCommand(cmd *cobra.Command, args []string) error {
	url := args[0]
	opts := []httpc.Option{
		httpc.WithMaxPerRoute(benchConcurrencyFlag),
		httpc.WithMaxTotal(benchConcurrencyFlag),
	}
	if benchRateFlag > 0 {
		opts = append(opts, httpc.WithRateLimit(benchRateFlag, 1))
	}
	client, err := newClient(opts...)
	if err != nil {
		return err
	}
	defer client.Close()
	reqOpts, err := requestOptions()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var ok, bad, failed atomic.Int64
	var firstErr atomic.Value
	start := time.Now()
	for i := 0; i < benchRequestsFlag; i++ {
		wg.Add(1)
		client.Get(url, reqOpts...).OnComplete(func(resp *httpc.Response, err error) {
			defer wg.Done()
			switch {
			case err != nil:
				failed.Add(1)
				firstErr.CompareAndSwap(nil, err.Error())
			case resp.StatusCode >= 400:
				bad.Add(1)
			default:
				ok.Add(1)
			}
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	s := client.Metrics().Snapshot()
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	fmt.Printf("%s %s in %s (%.1f req/s)\n", bold("requests"), bold(benchRequestsFlag), elapsed.Truncate(time.Millisecond),
		float64(benchRequestsFlag)/elapsed.Seconds())
	fmt.Printf("  ok: %s  http errors: %s  failed: %s\n", green(ok.Load()), red(bad.Load()), red(failed.Load()))
	fmt.Printf("  connections opened: %d\n", s.ConnectionsOpened)
	fmt.Printf("  latency p50=%s p90=%s p99=%s max=%s mean=%s\n", s.P50, s.P90, s.P99, s.Max, s.Mean)
	fmt.Printf("  pool %s\n", client.Pool().Stats())
	if e := firstErr.Load(); e != nil {
		fmt.Printf("  first error: %s\n", red(e))
	}
	return nil
}
