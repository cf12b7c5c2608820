// Package utils contains small helpers shared by the calibration packages.
package utils

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
	quarterProcs := float64(ParallelFactor) * .25
	if quarterProcs > 8 {
		ParallelFactor = int(quarterProcs)
	}
}

// GroupWorkFunc runs the work items [from, to) of a single group.
type GroupWorkFunc func(groupNum, from, to int) error

// GroupWorkParallel splits totalSize work items into at most ParallelFactor contiguous
// groups and runs each group on its own goroutine. Errors and panics from all groups are
// combined. The context is checked before any work starts.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if numGroups > totalSize {
		numGroups = totalSize
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var (
		wait  sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	storeError := func(err error) {
		errMu.Lock()
		errs = multierr.Combine(errs, err)
		errMu.Unlock()
	}

	wait.Add(numGroups)
	from := 0
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		to := from + groupSize
		if groupNum < extra {
			to++
		}
		groupNum, groupFrom, groupTo := groupNum, from, to
		// wait.Done is not deferred in the worker; on panic the callback releases it instead.
		utils.PanicCapturingGoWithCallback(func() {
			if err := groupWork(groupNum, groupFrom, groupTo); err != nil {
				storeError(err)
			}
			wait.Done()
		}, func(thePanic interface{}) {
			storeError(errors.Errorf("got panic running group %d in parallel: %v", groupNum, thePanic))
			wait.Done()
		})
		from = to
	}
	wait.Wait()
	return errs
}

// ParallelForEach calls fn once for every index in [0, n) spread across goroutines.
// Callers that need a deterministic reduction should write into per index slots and
// reduce in order afterwards.
func ParallelForEach(ctx context.Context, n int, fn func(i int) error) error {
	return GroupWorkParallel(ctx, n, func(_, from, to int) error {
		var errs error
		for i := from; i < to; i++ {
			errs = multierr.Append(errs, fn(i))
		}
		return errs
	})
}
