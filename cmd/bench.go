package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/batchserve/serve"
	"github.com/inference-sim/batchserve/serve/trace"
	"github.com/inference-sim/batchserve/serve/workload"
)

var (
	benchFlags    engineFlags
	benchWorkload string
	benchSeed     int64
	benchTarget   string
	benchSpeedup  float64
)

// benchCmd replays a synthetic workload and reports latency and throughput.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Replay a synthetic workload against the engine and report latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchSpeedup <= 0 {
			return fmt.Errorf("--speedup must be positive, got %f", benchSpeedup)
		}
		spec, err := workload.LoadSpec(benchWorkload)
		if err != nil {
			return err
		}
		// CLI seed wins over the spec's only when set
		if cmd.Flags().Changed("workload-seed") {
			spec.Seed = benchSeed
		}
		arrivals, err := workload.Generate(spec, promptAlphabet)
		if err != nil {
			return err
		}
		logrus.Infof("replaying %d requests from %d clients at %.2f req/s (x%.1f)",
			len(arrivals), len(spec.Clients), spec.AggregateRate, benchSpeedup)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if benchTarget != "" {
			start := time.Now()
			results := replay(ctx, arrivals, benchSpeedup, NewClient(benchTarget))
			printResults(os.Stdout, results, time.Since(start))
			return nil
		}

		cfg, err := benchFlags.resolve(cmd)
		if err != nil {
			return err
		}
		engine, tr, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		runCtx, cancel := context.WithCancel(ctx)
		loopDone := make(chan error, 1)
		go func() {
			loopDone <- engine.Run(runCtx)
		}()

		start := time.Now()
		results := replay(ctx, arrivals, benchSpeedup, localSender{engine: engine})
		elapsed := time.Since(start)
		cancel()
		if err := <-loopDone; err != nil {
			return err
		}

		printResults(os.Stdout, results, elapsed)
		engine.Metrics().Print(os.Stdout, elapsed)
		if tr != nil {
			printTraceSummary(os.Stdout, trace.Summarize(tr))
		}
		return nil
	},
}

// Recorder collects results from concurrent senders.
type Recorder struct {
	mu      sync.Mutex
	results []Result
}

// Record stores one result.
func (r *Recorder) Record(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *res)
}

// Results returns the recorded results ordered by request ID.
func (r *Recorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// replay sends every arrival at its offset (divided by speedup) and waits for
// all of them to finish. Arrivals not yet sent when ctx ends are skipped.
func replay(ctx context.Context, arrivals []workload.Arrival, speedup float64, sender Sender) []Result {
	rec := &Recorder{}
	var wg sync.WaitGroup
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

send:
	for _, a := range arrivals {
		if wait := time.Until(start.Add(time.Duration(float64(a.At) / speedup))); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				break send
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Record(sender.Send(ctx, a))
		}()
	}
	wg.Wait()
	return rec.Results()
}

func printResults(w io.Writer, results []Result, elapsed time.Duration) {
	var ok, rejected, failed, tokens int
	var ttfts, latencies []float64
	for _, r := range results {
		switch r.Status {
		case statusOK:
			ok++
			tokens += r.OutputTokens
			latencies = append(latencies, r.Latency.Seconds())
			if r.OutputTokens > 0 {
				ttfts = append(ttfts, r.TTFT.Seconds())
			}
		case statusRejected:
			rejected++
		default:
			failed++
			logrus.Debugf("request %s failed: %s", r.RequestID, r.ErrorMessage)
		}
	}
	fmt.Fprintln(w, "=== Bench Results ===")
	fmt.Fprintf(w, "Requests             : %d (ok %d, rejected %d, error %d)\n", len(results), ok, rejected, failed)
	fmt.Fprintf(w, "Output Tokens        : %d\n", tokens)
	fmt.Fprintf(w, "Duration             : %.2f s\n", elapsed.Seconds())
	if elapsed > 0 {
		fmt.Fprintf(w, "Request Throughput   : %.2f req/s\n", float64(ok)/elapsed.Seconds())
		fmt.Fprintf(w, "Output Throughput    : %.2f tok/s\n", float64(tokens)/elapsed.Seconds())
	}
	for _, d := range []struct {
		name string
		data []float64
	}{{"TTFT", ttfts}, {"Latency", latencies}} {
		if len(d.data) == 0 {
			continue
		}
		fmt.Fprintf(w, "%-21s: p50 %.2f ms, p90 %.2f ms, p99 %.2f ms\n", d.name,
			serve.CalculatePercentile(d.data, 50)*1000,
			serve.CalculatePercentile(d.data, 90)*1000,
			serve.CalculatePercentile(d.data, 99)*1000)
	}
}

func printTraceSummary(w io.Writer, s *trace.TraceSummary) {
	fmt.Fprintln(w, "=== Trace Summary ===")
	fmt.Fprintf(w, "Admission Decisions  : %d (%d admitted, %d rejected)\n", s.TotalDecisions, s.AdmittedCount, s.RejectedCount)
	fmt.Fprintf(w, "Head-of-Line Holds   : %d (longest streak %d steps)\n", s.HoldCount, s.MaxHeldStreak)
	fmt.Fprintf(w, "Pauses               : %d\n", s.PauseCount)
	reasons := make([]string, 0, len(s.EvictionsByReason))
	for reason := range s.EvictionsByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "%-21s: %d\n", "Evicted ("+reason+")", s.EvictionsByReason[reason])
	}
}
