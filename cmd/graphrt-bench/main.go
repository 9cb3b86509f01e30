// graphrt-bench runs a synthetic chain of Add nodes through the sequential
// executor on the host backend, reporting throughput, allocator usage and
// memory-pattern cache behavior.
//
// Example:
//
//	go run ./cmd/graphrt-bench -steps=64 -runs=200 -size=4096 -queues=2
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/backends/host"
	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/internal/profiler"
	"github.com/gomlx/graphrt/types/shapes"
)

var (
	flagSteps   = flag.Int("steps", 64, "number of chained Add nodes in the synthetic plan")
	flagRuns    = flag.Int("runs", 100, "number of executions of the plan")
	flagSize    = flag.Int("size", 4096, "number of float32 elements of the flowing tensor")
	flagQueues  = flag.Int("queues", 2, "number of host queues; nodes alternate between them")
	flagAsync   = flag.Bool("async", true, "enqueue kernel arithmetic asynchronously on the node's queue")
	flagProfile = flag.String("profile", "", "if set, write a JSON profile of the last run to this file")
)

// buildChain creates a plan of n Add nodes: node i doubles value i into
// value i+1, alternating queues, with every transient freed right after its
// last consumer.
func buildChain(n, numQueues int) (*engine.Plan, []engine.NodeInfo) {
	plan := &engine.Plan{
		Steps:     make([]engine.Step, n),
		ToBeFreed: make([]int, 0, n-1),
		Values:    make([]engine.ValueInfo, n+1),
	}
	nodes := make([]engine.NodeInfo, n)
	plan.Values[0] = engine.ValueInfo{Name: "input"}
	for i := 0; i < n; i++ {
		crossesQueues := numQueues > 1
		plan.Values[i+1] = engine.ValueInfo{
			Name:       fmt.Sprintf("double_%d_out", i),
			NeedsFence: crossesQueues,
		}
		plan.Steps[i] = engine.Step{NodeIndex: i, FreeFromIndex: 0, FreeToIndex: -1, HasFence: crossesQueues}
		if i >= 1 {
			// Value i is dead after node i consumed it; the feed (value 0) is
			// never scheduled for release.
			at := len(plan.ToBeFreed)
			plan.ToBeFreed = append(plan.ToBeFreed, i)
			plan.Steps[i].FreeFromIndex = at
			plan.Steps[i].FreeToIndex = at
		}
		nodes[i] = engine.NodeInfo{
			Name:     fmt.Sprintf("double_%d", i),
			OpType:   "Add",
			Provider: host.BackendName,
			Queue:    backends.QueueID(i % numQueues),
			Inputs:   []int{i, i},
			Outputs:  []int{i + 1},
		}
	}
	return plan, nodes
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := host.New(fmt.Sprintf("%d", *flagQueues)).(*host.Backend)
	defer backend.Finalize()

	plan, nodes := buildChain(*flagSteps, *flagQueues)
	session := must.M1(engine.NewSession(backend, plan, nodes))
	for i := range nodes {
		must.M(session.BindKernel(i, host.NewAdd(*flagAsync)))
	}
	if *flagProfile != "" {
		session.SetProfiler(profiler.New())
	}

	shape := shapes.Make(dtypes.Float32, *flagSize)
	flat := make([]float32, *flagSize)
	for i := range flat {
		flat[i] = float32(i)
	}
	feed := engine.NewTensorValue(shape, must.M1(backend.BufferFromFlatData(flat, shape)))

	bar := progressbar.Default(int64(*flagRuns), "executing")
	executor := engine.NewSequentialExecutor(nil)
	start := time.Now()
	for run := 0; run < *flagRuns; run++ {
		fetches := make([]*engine.Value, 1)
		must.M(executor.Execute(session, []int{0}, []*engine.Value{feed},
			[]int{*flagSteps}, fetches, nil))
		// Kernel arithmetic may still be in flight; drain before the buffers
		// of this run are recycled.
		for q := 0; q < backend.NumQueues(); q++ {
			backend.Queue(backends.QueueID(q)).Sync()
		}
		must.M(backend.Free(fetches[0].Buffer()))
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)

	if *flagProfile != "" {
		f := must.M1(os.Create(*flagProfile))
		must.M(session.Profiler().Save(f))
		must.M(f.Close())
	}

	signature, _ := engine.PatternSignature([]*engine.Value{feed})
	var peakBytes uintptr
	if group, found := session.MemoryPatternGroup(signature); found {
		peakBytes = group.PeakBytes
	}

	bold := lipgloss.NewStyle().Bold(true)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1)
	summary := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		bold.Render("graphrt-bench"),
		fmt.Sprintf("runs: %d × %d steps of %s", *flagRuns, *flagSteps,
			humanize.Bytes(uint64(shape.Memory()))),
		fmt.Sprintf("total: %s (%.1f steps/ms)", elapsed.Round(time.Millisecond),
			float64(*flagRuns**flagSteps)*float64(time.Millisecond)/float64(elapsed)),
		fmt.Sprintf("memory patterns: %d cached, peak arena %s", session.NumMemoryPatterns(),
			humanize.Bytes(uint64(peakBytes))),
		fmt.Sprintf("still allocated: %s", humanize.Bytes(uint64(backend.AllocatedBytes()))),
	)
	fmt.Println(box.Render(summary))
}
