package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Flags are the feature switches that shape a compress call.
type Flags struct {
	DeepValidation  bool
	Parallel        bool
	MemoryOptimized bool
	VerifyIntegrity bool
}

// Strategy names how a compress call is carried out.
type Strategy string

const (
	StrategySingle   Strategy = "single"
	StrategyParallel Strategy = "parallel"
	StrategyStaged   Strategy = "staged"
)

// Route picks the strategy for n sources.
func Route(flags Flags, n int) Strategy {
	switch {
	case n <= 1:
		return StrategySingle
	case flags.Parallel:
		return StrategyParallel
	default:
		return StrategyStaged
	}
}

// Dispatch runs a compress call shaped by flags. Deep validation drops
// sources that cannot be archived before any work starts; memory
// optimization applies to this call only.
func (e *Engine) Dispatch(ctx context.Context, flags Flags, req CompressRequest) error {
	t := e.tuning
	if flags.MemoryOptimized {
		t = t.MemoryOptimized()
	}

	if flags.DeepValidation {
		if req.Phase != nil {
			req.Phase(PhaseValidating)
		}
		kept := make([]string, 0, len(req.Sources))
		for _, src := range req.Sources {
			if err := inspectSource(src); err != nil {
				e.logger.Warn("dropping source", "path", src, "error", err)
				continue
			}
			kept = append(kept, src)
		}
		if len(kept) == 0 {
			err := newError(KindNotFound, "compress", "", errors.New("no valid source paths"))
			if req.Phase != nil {
				req.Phase(PhaseFailed)
			}
			return err
		}
		req.Sources = kept
	}

	strategy := Route(flags, len(req.Sources))
	e.logger.Debug("dispatching compress", "strategy", string(strategy), "sources", len(req.Sources),
		"memory_optimized", flags.MemoryOptimized, "verify", flags.VerifyIntegrity)
	return e.runCompress(ctx, t, strategy, flags.VerifyIntegrity, req)
}

// inspectSource checks that path exists, is a regular file or directory,
// and can be opened.
func inspectSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return fmt.Errorf("not a regular file or directory (%s)", info.Mode().Type())
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
