package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/ValentinKolb/kvcheck/lib/oracle"
	"github.com/ValentinKolb/kvcheck/lib/util"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
)

const (
	DefaultStressDuration       = 3 * time.Second
	DefaultExpectedOpsPerSecond = 100
)

// Workload is a single operation of a stress worker. It is called
// repeatedly until the duration elapsed.
type Workload func(c *Client, r *Rand) error

// StressOptions configure a stress run. Zero values select the defaults.
type StressOptions struct {
	// Workers is the number of concurrent workers, at most the number of
	// clients of the setup (0 = all)
	Workers int

	Duration time.Duration

	// ExpectedOpsPerSecond is the throughput floor every single worker
	// must reach
	ExpectedOpsPerSecond int
}

func (o StressOptions) withDefaults(nclients int) StressOptions {
	if o.Workers == 0 {
		o.Workers = nclients
	}
	if o.Duration == 0 {
		o.Duration = DefaultStressDuration
	}
	if o.ExpectedOpsPerSecond == 0 {
		o.ExpectedOpsPerSecond = DefaultExpectedOpsPerSecond
	}
	return o
}

// MinOps returns the minimum number of operations per worker
func (o StressOptions) MinOps() int {
	return int(float64(o.ExpectedOpsPerSecond) * o.Duration.Seconds())
}

// WorkerReport summarizes one worker of a stress run
type WorkerReport struct {
	Actor int
	Ops   int
	Rate  float64
	P50   time.Duration
	P99   time.Duration
	Err   error
}

// StressReport summarizes a stress run
type StressReport struct {
	Workers  []WorkerReport
	Duration time.Duration
	Fairness util.Fairness
	Sizes    *util.SizeHistogram
}

// Ops returns the operation count of every worker ordered by actor
func (r *StressReport) Ops() []int {
	ops := make([]int, len(r.Workers))
	for i, w := range r.Workers {
		ops[i] = w.Ops
	}
	return ops
}

func (r *StressReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d workers for %s, fairness %.2f\n", len(r.Workers), r.Duration, r.Fairness.Score)
	for _, w := range r.Workers {
		status := "ok"
		if w.Err != nil {
			status = "error"
		}
		fmt.Fprintf(&sb, "  worker %2d: %6d ops %8.1f ops/s p50 %-10s p99 %-10s %s\n",
			w.Actor, w.Ops, w.Rate, w.P50, w.P99, status)
	}
	fmt.Fprintf(&sb, "  value sizes: avg %d p50~%d p99~%d, %s\n",
		r.Sizes.AverageSize(), r.Sizes.PercentileEstimate(50), r.Sizes.PercentileEstimate(99), r.Sizes)
	return sb.String()
}

type workerResult struct {
	actor int
	ops   int
	view  *oracle.View
	sizes *util.SizeHistogram
	rate  float64
	p50   float64
	p99   float64
	err   error
}

// Stress runs fn on Workers clients concurrently. The workers start together
// behind a barrier; the first failing worker aborts the barrier for those not
// started yet. Every worker owns its connection, oracle view, random source
// and statistics; they reach the controller only through the result queue.
// Afterwards the oracle is in concurrent mode and holds the merged views of
// all workers, failed ones included.
func (s *Setup) Stress(ctx context.Context, fn Workload, opts StressOptions) (*StressReport, error) {
	opts = opts.withDefaults(s.nclients)
	n := opts.Workers
	if n < 1 || n > s.nclients {
		return nil, common.TestErrorf("nclients must be between 1 and %d", s.nclients)
	}

	s.oracle.SwitchToConcurrent(s.nclients)

	barrier := NewBarrier(n)
	results := util.NewQueue[workerResult]()
	defer results.Close()

	Logger.Infof("setup %s: stressing with %d workers for %s", s.runID, n, opts.Duration)
	for i := 0; i < n; i++ {
		worker := &Client{
			id:    i,
			ctx:   ctx,
			conn:  s.Client(i).conn,
			state: s.oracle.Fork(i),
			sizes: util.NewSizeHistogram(),
		}
		go runWorker(ctx, worker, NewRand(s.rng.Int63()), fn, opts.Duration, barrier, results)
	}

	collected := make([]workerResult, n)
	for i := 0; i < n; i++ {
		r := <-results.Recv()
		collected[r.actor] = *r
	}

	report := &StressReport{Duration: opts.Duration, Sizes: util.NewSizeHistogram()}
	var errs []error
	var ops []int
	for _, r := range collected {
		report.Workers = append(report.Workers, WorkerReport{
			Actor: r.actor,
			Ops:   r.ops,
			Rate:  r.rate,
			P50:   time.Duration(r.p50),
			P99:   time.Duration(r.p99),
			Err:   r.err,
		})
		// writes acknowledged before a failure are on the server as well
		s.oracle.Merge(r.actor, r.view)
		report.Sizes.Merge(r.sizes)
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		ops = append(ops, r.ops)
	}
	report.Fairness = util.NewFairness(ops)
	Logger.Debugf("setup %s: stress done\n%s", s.runID, report)

	if len(errs) > 0 {
		return report, workerErrors(errs)
	}

	minOps := opts.MinOps()
	for _, o := range ops {
		if o < minOps {
			return report, common.Errorf(common.KindThroughput,
				"At least one worker did (almost) nothing.\n"+
					"Number of operations for each worker: %s\n"+
					"Minimum ops per worker: %d", joinInts(ops), minOps)
		}
	}
	return report, nil
}

func runWorker(ctx context.Context, c *Client, r *Rand, fn Workload, duration time.Duration,
	barrier *Barrier, results *util.Queue[workerResult]) {
	meter := metrics.NewMeter()
	defer meter.Stop()
	latency := metrics.NewHistogram(metrics.NewUniformSample(1028))

	res := workerResult{actor: c.id, view: c.state.(*oracle.View), sizes: c.sizes}
	defer func() {
		if p := recover(); p != nil {
			res.err = common.TestErrorf("worker %d panicked: %v", c.id, p)
			barrier.Abort()
		}
		snap := latency.Snapshot()
		res.rate = meter.RateMean()
		res.p50 = snap.Percentile(0.5)
		res.p99 = snap.Percentile(0.99)
		results.Push(&res)
	}()

	if err := barrier.Wait(ctx); err != nil {
		res.err = common.NewError(common.KindTest, "", fmt.Sprintf("worker %d did not start: %v", c.id, err), err)
		return
	}

	start := time.Now()
	for time.Since(start) < duration {
		if err := interrupted(ctx); err != nil {
			res.err = err
			return
		}
		opStart := time.Now()
		if err := fn(c, r); err != nil {
			res.err = err
			barrier.Abort()
			return
		}
		latency.Update(int64(time.Since(opStart)))
		meter.Mark(1)
		res.ops++
	}
}

// workerErrors concatenates the errors of all failed workers. The root cause
// is the last test error of a worker that actually ran, or the first error if
// there is none.
func workerErrors(errs []error) error {
	root := errs[0]
	for _, err := range errs {
		if common.IsKind(err, common.KindTest) && !errors.Is(err, ErrBarrierBroken) {
			root = err
		}
	}

	all := multierror.Append(nil, errs...)
	all.ErrorFormat = func(es []error) string {
		lines := make([]string, len(es))
		for i, e := range es {
			lines[i] = common.Describe(e)
		}
		return strings.Join(lines, "\n")
	}
	return common.NewError(common.KindTest, "",
		"One or more threads encountered an error:\n"+all.Error(), root)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
