package optimization

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
)

// quadraticObjective rewards params close to x=5, y=3, mimicking a
// strategy parameter search with a single interior optimum.
func quadraticObjective(params ParamSet) (float64, error) {
	dx := params["x"] - 5
	dy := params["y"] - 3
	return -(dx*dx + dy*dy), nil
}

func TestGridSearchFindsOptimum(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.Method = MethodGridSearch
	cfg.GridResolution = 10
	cfg.ParallelWorkers = 4
	cfg.Timeout = 5 * time.Second

	opt := NewOptimizer(zap.NewNop(), cfg)
	params := []Parameter{
		{Name: "x", Type: ParamTypeContinuous, Min: 0, Max: 10},
		{Name: "y", Type: ParamTypeContinuous, Min: 0, Max: 10},
	}

	result, err := opt.Optimize(context.Background(), params, quadraticObjective)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations == 0 {
		t.Fatal("expected at least one evaluation")
	}
	if math.Abs(result.BestParams["x"]-5) > 1.5 {
		t.Errorf("best x = %v, want close to 5", result.BestParams["x"])
	}
	if math.Abs(result.BestParams["y"]-3) > 1.5 {
		t.Errorf("best y = %v, want close to 3", result.BestParams["y"])
	}
}

func TestGeneticAlgorithmFindsOptimum(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.Method = MethodGeneticAlgo
	cfg.PopulationSize = 20
	cfg.Generations = 15
	cfg.ParallelWorkers = 4
	cfg.Timeout = 5 * time.Second

	opt := NewOptimizer(zap.NewNop(), cfg)
	params := []Parameter{
		{Name: "x", Type: ParamTypeContinuous, Min: 0, Max: 10},
		{Name: "y", Type: ParamTypeContinuous, Min: 0, Max: 10},
	}

	result, err := opt.Optimize(context.Background(), params, quadraticObjective)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != cfg.Generations*cfg.PopulationSize {
		t.Errorf("iterations = %d, want %d", result.Iterations, cfg.Generations*cfg.PopulationSize)
	}
	if math.Abs(result.BestParams["x"]-5) > 2 {
		t.Errorf("best x = %v, want close to 5", result.BestParams["x"])
	}
}

func TestGridSearchRespectsContextCancellation(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.Method = MethodGridSearch
	cfg.GridResolution = 50
	cfg.ParallelWorkers = 2
	cfg.Timeout = time.Minute

	opt := NewOptimizer(zap.NewNop(), cfg)
	params := []Parameter{
		{Name: "x", Type: ParamTypeContinuous, Min: 0, Max: 10},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := opt.Optimize(ctx, params, quadraticObjective)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
