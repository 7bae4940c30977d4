package main

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stieg/dukes-of-hazard/queue"
)

func newRunCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Runs one of the end-to-end queue scenarios",
	}
	run.PersistentFlags().Bool("perf", false, "scale default iteration counts from 1e6 to 1e7, as the original's g_test_perf() mode did")

	run.AddCommand(newSequentialCmd())
	run.AddCommand(newBalancedCmd())
	run.AddCommand(newAlternatingCmd())
	run.AddCommand(newABACmd())
	return run
}

// perfScaledDefault returns n*10 when --perf is set and the caller did not
// explicitly override --iterations, matching original_source/main.c's
// g_test_perf() switch between a 1,000,000 and a 10,000,000 loop count.
func perfScaledDefault(cmd *cobra.Command, n int) int {
	perf, _ := cmd.Flags().GetBool("perf")
	if perf && !cmd.Flags().Changed("iterations") {
		return n * 10
	}
	return n
}

func newSequentialCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "sequential",
		Short: "Bulk enqueue, then dequeue everything checking FIFO order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequential(perfScaledDefault(cmd, n))
		},
	}
	cmd.Flags().IntVar(&n, "iterations", 1000000, "number of items to push through the queue")
	return cmd
}

func runSequential(n int) error {
	start := time.Now()
	logger.Info("sequential scenario starting", zap.Int("iterations", n))

	q, err := queue.New()
	if err != nil {
		return fmt.Errorf("queue.New: %w", err)
	}
	defer q.Release()

	values := make([]int, n)
	for i := 0; i < n; i++ {
		values[i] = i
		if err := q.Enqueue(unsafe.Pointer(&values[i])); err != nil {
			return fmt.Errorf("enqueue %d: %w", i, err)
		}
	}
	for i := 0; i < n; i++ {
		p, ok := q.Dequeue()
		if !ok {
			return fmt.Errorf("expected %d more items, queue reported empty", n-i)
		}
		if got := *(*int)(p); got != i {
			return fmt.Errorf("fifo order violated at index %d: got %d", i, got)
		}
	}

	logger.Info("sequential scenario finished",
		zap.Int("iterations", n), zap.Duration("elapsed", time.Since(start)))
	printStats()
	return nil
}

func newBalancedCmd() *cobra.Command {
	var threads, perThread int
	cmd := &cobra.Command{
		Use:   "balanced",
		Short: "Threads each enqueuing a full range then dequeuing it back out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalanced(threads, perfScaledDefault(cmd, perThread))
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 4, "number of worker goroutines")
	cmd.Flags().IntVar(&perThread, "iterations", 1000000, "items enqueued, then dequeued, by each worker")
	return cmd
}

// runBalanced mirrors original_source/queue-test.c's thread_func literally:
// every worker enqueues its own full range first, then dequeues the same
// number of items back out, asserting each dequeue succeeds. The two phases
// are sequential within a worker, not split across dedicated producer and
// consumer goroutines.
func runBalanced(threads, perThread int) error {
	start := time.Now()
	total := threads * perThread
	logger.Info("balanced scenario starting", zap.Int("threads", threads), zap.Int("total", total))

	q, err := queue.New()
	if err != nil {
		return fmt.Errorf("queue.New: %w", err)
	}
	defer q.Release()

	var g errgroup.Group
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			for i := 0; i < perThread; i++ {
				v := i
				if err := q.Enqueue(unsafe.Pointer(&v)); err != nil {
					return err
				}
			}
			for i := 0; i < perThread; i++ {
				if _, ok := q.Dequeue(); !ok {
					return fmt.Errorf("dequeue %d reported empty", i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, ok := q.Dequeue(); ok {
		return fmt.Errorf("queue not empty after balanced scenario completed")
	}

	logger.Info("balanced scenario finished",
		zap.Int("total", total), zap.Duration("elapsed", time.Since(start)))
	printStats()
	return nil
}

func newAlternatingCmd() *cobra.Command {
	var workers, rounds int
	cmd := &cobra.Command{
		Use:   "alternating",
		Short: "2xNumCPU threads alternating enqueue and dequeue under contention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlternating(workers, perfScaledDefault(cmd, rounds))
		},
	}
	cmd.Flags().IntVar(&workers, "threads", 2*runtime.NumCPU(), "number of worker goroutines")
	cmd.Flags().IntVar(&rounds, "iterations", 1000000, "enqueue/dequeue rounds per worker")
	return cmd
}

// runAlternating mirrors original_source/main.c's
// test_LfQueue_threaded_alternate_enq_deq_thread_func literally: every
// worker runs the same loop, enqueueing on odd iteration indices and
// dequeueing on even ones, asserting the dequeue succeeds once any worker
// has enqueued at least once globally (an empty result is only tolerated
// before that first global enqueue).
func runAlternating(workers, rounds int) error {
	start := time.Now()
	logger.Info("alternating scenario starting", zap.Int("threads", workers), zap.Int("rounds", rounds))

	q, err := queue.New()
	if err != nil {
		return fmt.Errorf("queue.New: %w", err)
	}
	defer q.Release()

	var started int32
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 1; i <= rounds; i++ {
				if i%2 == 1 {
					v := i
					if err := q.Enqueue(unsafe.Pointer(&v)); err != nil {
						return err
					}
					atomic.StoreInt32(&started, 1)
					continue
				}
				if _, ok := q.Dequeue(); !ok && atomic.LoadInt32(&started) != 0 {
					return fmt.Errorf("dequeue reported empty at iteration %d after a global enqueue had occurred", i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for {
		if _, ok := q.Dequeue(); !ok {
			break
		}
	}

	logger.Info("alternating scenario finished",
		zap.Int("threads", workers), zap.Duration("elapsed", time.Since(start)))
	printStats()
	return nil
}

func newABACmd() *cobra.Command {
	var tokens int
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "aba",
		Short: "Recycles a small token pool through the queue to stress ABA handling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runABA(tokens, duration)
		},
	}
	cmd.Flags().IntVar(&tokens, "tokens", 8, "size of the recycled token pool")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to run the stress loop")
	return cmd
}

func runABA(tokens int, duration time.Duration) error {
	start := time.Now()
	logger.Info("aba scenario starting", zap.Int("tokens", tokens), zap.Duration("duration", duration))

	q, err := queue.New()
	if err != nil {
		return fmt.Errorf("queue.New: %w", err)
	}
	defer q.Release()

	values := make([]int, tokens)
	for i := range values {
		values[i] = i
		if err := q.Enqueue(unsafe.Pointer(&values[i])); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(duration)
	var g errgroup.Group
	for w := 0; w < runtime.NumCPU(); w++ {
		g.Go(func() error {
			for time.Now().Before(deadline) {
				p, ok := q.Dequeue()
				if !ok {
					runtime.Gosched()
					continue
				}
				if err := q.Enqueue(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[int]bool)
	for {
		p, ok := q.Dequeue()
		if !ok {
			break
		}
		seen[*(*int)(p)] = true
	}
	if len(seen) != tokens {
		return fmt.Errorf("expected %d surviving tokens, saw %d", tokens, len(seen))
	}

	logger.Info("aba scenario finished", zap.Duration("elapsed", time.Since(start)))
	printStats()
	return nil
}
