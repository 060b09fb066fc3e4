package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/sweepd/sweepd/internal/model"
)

// ErrClosed is returned by a sim worker whose handle was discarded while an
// evaluation was in flight.
var ErrClosed = errors.New("worker closed")

// SimFactory builds simulated workers that synthesize deterministic metrics
// from the task parameters. Used for dry runs and tests; real UI drivers plug
// in through the Factory interface.
type SimFactory struct {
	// Latency is how long each simulated evaluation takes.
	Latency time.Duration
	// FailureRate in [0,1) injects pseudo-random session failures.
	FailureRate float64
	// Seed makes the injected failures reproducible.
	Seed int64
}

// New constructs a simulated worker.
func (f *SimFactory) New(_ context.Context, workerID int) (Worker, error) {
	return &simWorker{
		id:      workerID,
		latency: f.Latency,
		rate:    f.FailureRate,
		rng:     rand.New(rand.NewSource(f.Seed + int64(workerID))),
		closed:  make(chan struct{}),
	}, nil
}

type simWorker struct {
	id      int
	latency time.Duration
	rate    float64

	mu  sync.Mutex
	rng *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}
}

// ExecuteTask synthesizes an outcome for the given parameters. The metrics
// are a pure function of the parameter mapping, so repeated evaluations (and
// cache comparisons) are stable.
func (w *simWorker) ExecuteTask(ctx context.Context, spec TaskSpec) (Outcome, error) {
	select {
	case <-time.After(w.latency):
	case <-w.closed:
		return Outcome{}, ErrClosed
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	if w.roll() {
		return Outcome{
			Success:     false,
			ErrMessage:  "simulated interaction failure",
			FailureType: model.FailureSession,
		}, nil
	}

	h := paramHash(spec.Params)
	base := float64(h%10000) / 10.0
	trades := int(h%400) + 20
	winners := trades * int(40+h%35) / 100

	return Outcome{
		Success: true,
		Metrics: model.Metrics{
			PL:          base * 10,
			CAGR:        base / 100,
			MaxDrawdown: base / 4,
			MAR:         float64(h%50)/10.0 + 0.1,
			WinPct:      float64(40 + h%35),
			TotalTrades: trades,
			Winners:     winners,
			AvgPerTrade: base / float64(trades),
		},
		Raw: fmt.Appendf(nil, `{"sim":true,"hash":%d}`, h),
	}, nil
}

// Close releases the simulated worker. In-flight evaluations return ErrClosed.
func (w *simWorker) Close(_ context.Context) error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *simWorker) roll() bool {
	if w.rate <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64() < w.rate
}

// paramHash folds the parameter mapping into a stable 64-bit hash,
// independent of map iteration order.
func paramHash(params map[string]string) uint64 {
	var sum uint64
	for k, v := range params {
		h := fnv.New64a()
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(v))
		sum += h.Sum64()
	}
	if sum == 0 {
		return 1
	}
	return sum
}
