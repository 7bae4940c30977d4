package main

import (
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stieg/dukes-of-hazard/mm"
	"github.com/stieg/dukes-of-hazard/queue"
)

func newStatsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Runs the reclaim-coverage scenario and prints allocation stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(n)
		},
	}
	cmd.Flags().IntVar(&n, "iterations", 100000, "items enqueued and dequeued before reporting")
	return cmd
}

func runStats(n int) error {
	mm.Reset()

	q, err := queue.New()
	if err != nil {
		return fmt.Errorf("queue.New: %w", err)
	}

	values := make([]int, n)
	for i := 0; i < n; i++ {
		values[i] = i
		if err := q.Enqueue(unsafe.Pointer(&values[i])); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		if _, ok := q.Dequeue(); !ok {
			return fmt.Errorf("expected %d more items, queue reported empty", n-i)
		}
	}

	live := mm.Live()
	logger.Info("reclaim coverage at quiescence", zap.Uint64("live", live))
	if live != 1 {
		logger.Warn("expected exactly one live node (the dummy) at quiescence", zap.Uint64("live", live))
	}

	q.Release()
	printStats()
	return nil
}
