// sweepctl executes one sweep definition directly against the local store,
// without going through the sweepd HTTP API. It streams engine events to
// stdout and prints the ranked results when the run settles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweepd/sweepd/internal/analysis"
	"github.com/sweepd/sweepd/internal/config"
	"github.com/sweepd/sweepd/internal/engine"
	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/params"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/sweep"
	"github.com/sweepd/sweepd/internal/worker"
)

func main() {
	var (
		defPath = flag.String("f", "", "path to the sweep definition YAML (required)")
		dbPath  = flag.String("db", "", "database path (default SWEEPD_DB_PATH)")
		workers = flag.Int("workers", 0, "worker count (overrides the definition)")
		metric  = flag.String("metric", analysis.DefaultMetric, "metric to rank results by")
		top     = flag.Int("top", 10, "number of ranked results to print")
	)
	flag.Parse()

	if *defPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	reg := params.DefaultRegistry()
	def, err := sweep.Load(*defPath, reg)
	if err != nil {
		log.Fatalf("load definition: %v", err)
	}

	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, total, err := createRun(ctx, db, reg, def)
	if err != nil {
		log.Fatalf("create run: %v", err)
	}
	fmt.Printf("run %s created: %d tasks (%s mode)\n", run.ID, total, run.Mode)

	target, err := db.GetTarget(ctx, run.TargetID)
	if err != nil {
		log.Fatalf("load target: %v", err)
	}
	if err := db.TouchTarget(ctx, target.ID); err != nil {
		logger.Warn("touch target", "error", err)
	}

	n := *workers
	if n <= 0 {
		n = def.Options.Workers
	}
	if n <= 0 {
		n = cfg.Workers
	}

	exec := engine.NewExecutor(db, &worker.SimFactory{}, run, target, logger,
		engine.WithWorkers(n),
		engine.WithEventSink(engine.SinkFunc(printEvent)),
		engine.WithArtifactsDir(cfg.ArtifactsDir),
		engine.WithSkipCache(def.Options.SkipCache || def.Config.SkipCache),
	)

	// A signal asks the run to settle rather than killing it mid-task.
	go func() {
		<-ctx.Done()
		exec.Stop()
	}()

	if err := exec.Execute(context.Background()); err != nil {
		log.Fatalf("run execution: %v", err)
	}

	if err := printRanking(db, run.ID, *metric, *top); err != nil {
		log.Fatalf("rank results: %v", err)
	}
}

func createRun(ctx context.Context, db store.Store, reg *params.Registry, def *sweep.Definition) (*model.Run, int, error) {
	combos, err := params.Combinations(reg, def.Mode, &def.Config)
	if err != nil {
		return nil, 0, err
	}

	target, err := db.GetOrCreateTarget(ctx, def.Target.URL, def.Target.Name)
	if err != nil {
		return nil, 0, err
	}

	rawCfg, err := def.RunConfig()
	if err != nil {
		return nil, 0, err
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        model.NewID(),
		TargetID:  target.ID,
		Mode:      def.Mode,
		Config:    rawCfg,
		Status:    model.StatusPending,
		CreatedAt: now,
	}
	if err := db.CreateRun(ctx, run); err != nil {
		return nil, 0, err
	}

	tasks := make([]*model.Task, 0, len(combos))
	for _, combo := range combos {
		tasks = append(tasks, &model.Task{
			ID:        model.NewID(),
			RunID:     run.ID,
			Params:    combo,
			Status:    model.TaskPending,
			CreatedAt: now,
		})
	}
	if err := db.CreateTasks(ctx, tasks); err != nil {
		return nil, 0, err
	}
	return run, len(tasks), nil
}

func printEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventTaskCompleted:
		note := ""
		if ev.Cached {
			note = " (cached)"
		}
		fmt.Printf("completed %v%s\n", paramsString(ev.Params), note)
	case engine.EventTaskFailed:
		if ev.WillRetry {
			fmt.Printf("failed %v, will retry: %s\n", paramsString(ev.Params), ev.Error)
		} else {
			fmt.Printf("failed %v permanently: %s\n", paramsString(ev.Params), ev.Error)
		}
	case engine.EventProgress:
		if ev.Stats != nil {
			fmt.Printf("progress: %d pending, %d in flight, %d completed, %d failed\n",
				ev.Stats.Pending, ev.Stats.InProgress, ev.Stats.Completed, ev.Stats.Failed)
		}
	case engine.EventRunCompleted:
		if ev.Stats != nil {
			fmt.Printf("run finished: %d completed, %d failed\n",
				ev.Stats.Completed, ev.Stats.Failed)
		}
	}
}

func paramsString(params map[string]string) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	return string(raw)
}

func printRanking(db store.Store, runID, metric string, top int) error {
	results, err := db.ResultsForRun(context.Background(), runID)
	if err != nil {
		return err
	}
	entries, err := analysis.Rank(results, analysis.Options{Metric: metric, Limit: top})
	if err != nil {
		return err
	}

	fmt.Printf("\ntop %d by %s:\n", len(entries), metric)
	for _, e := range entries {
		fmt.Printf("%3d. %-40s %s=%.4f pl=%.2f win%%=%.1f\n",
			e.Rank, paramsString(e.Params), metric, e.Score, e.Metrics.PL, e.Metrics.WinPct)
	}
	return nil
}
