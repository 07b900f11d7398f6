// Package stages implements the 17-stage ingestion pipeline. Each stage
// reads its upstream table(s), transforms, and appends to its own table
// keyed by run_id. Stages receive their collaborators (warehouse, event
// store, provenance ledger, gateway) by construction; there is no global
// service locator.
package stages

import (
	"context"
	"fmt"
	"time"

	"entpipe/internal/config"
	"entpipe/internal/contracts"
	"entpipe/internal/eventlog"
	"entpipe/internal/gateway"
	"entpipe/internal/logging"
	"entpipe/internal/provenance"
	"entpipe/internal/warehouse"
)

// Options are per-invocation stage parameters.
type Options struct {
	RunID           string
	BatchSize       int
	DryRun          bool
	IncludeWarnings bool
	Strict          bool
}

// Stats summarizes one stage execution.
type Stats struct {
	Stage    int            `json:"stage"`
	Name     string         `json:"name"`
	RowsIn   int            `json:"rows_in"`
	RowsOut  int            `json:"rows_out"`
	Skipped  int            `json:"skipped"`
	Signals  int            `json:"signals"`
	Extra    map[string]int `json:"extra,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (s *Stats) extra(key string, n int) {
	if s.Extra == nil {
		s.Extra = make(map[string]int)
	}
	s.Extra[key] += n
}

// Stage is one pipeline step.
type Stage interface {
	Number() int
	Name() string
	Run(ctx context.Context, opts Options) (*Stats, error)
}

// Pipeline owns the stage set and their shared collaborators.
type Pipeline struct {
	cfg    *config.Config
	wh     *warehouse.DB
	events *eventlog.Store
	ledger *provenance.Ledger
	llm    *gateway.Client
}

// NewPipeline wires the stage collaborators.
func NewPipeline(cfg *config.Config, wh *warehouse.DB, llm *gateway.Client) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		wh:     wh,
		events: eventlog.NewStore(wh.SQL()),
		ledger: provenance.NewLedger(wh.SQL()),
		llm:    llm,
	}
}

// Warehouse returns the shared warehouse handle.
func (p *Pipeline) Warehouse() *warehouse.DB {
	return p.wh
}

// Stages returns all stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		&Discovery{p: p},
		&Extraction{p: p},
		&Cleaning{p: p},
		&Gate{p: p},
		&TextCorrection{p: p},
		&Conversations{p: p},
		&Sentences{p: p},
		&Messages{p: p},
		&Spans{p: p},
		&Embeddings{p: p},
		&Extractions{p: p},
		&Sentiment{p: p},
		&Keywords{p: p},
		&Relationships{p: p},
		&Aggregation{p: p},
		&Validation{p: p},
		&Promotion{p: p},
	}
}

// Stage returns the stage with the given number.
func (p *Pipeline) Stage(n int) (Stage, error) {
	for _, s := range p.Stages() {
		if s.Number() == n {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no stage %d (valid: 0-16)", n)
}

// RunStage executes one stage under the configured wall-clock timeout,
// persisting its data contract and logging the outcome. A cancelled stage
// leaves partial output in place; rollback by run_id is the way to undo.
func (p *Pipeline) RunStage(ctx context.Context, n int, opts Options) (*Stats, error) {
	stage, err := p.Stage(n)
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("stage %d requires a run id", n)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = p.cfg.Pipeline.BatchSize
	}

	timeout := time.Duration(p.cfg.Pipeline.StageTimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c := contracts.ForStage(n); c != nil && !opts.DryRun {
		if err := contracts.Persist(p.wh.SQL(), c); err != nil {
			logging.Warn("pipeline", "could not persist contract for stage %d: %v", n, err)
		}
	}

	tag := logging.Stage(n, stage.Name())
	logging.Info(tag, "starting, run %s", opts.RunID)
	start := time.Now()
	stats, err := stage.Run(ctx, opts)
	if err != nil {
		logging.Error(tag, "failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	stats.Stage = n
	stats.Name = stage.Name()
	p.checkContract(n, opts, stats)
	stats.Duration = time.Since(start)
	logging.Info(tag, "done: in=%d out=%d skipped=%d signals=%d in %s",
		stats.RowsIn, stats.RowsOut, stats.Skipped, stats.Signals, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

// RunAll executes stages from..through in order, stopping at the first
// failure. Stage order is the only cross-stage dependency; all state flows
// through the warehouse.
func (p *Pipeline) RunAll(ctx context.Context, from, through int, opts Options) ([]*Stats, error) {
	if from < 0 || through > 16 || from > through {
		return nil, fmt.Errorf("invalid stage range %d-%d", from, through)
	}
	var all []*Stats
	for n := from; n <= through; n++ {
		stats, err := p.RunStage(ctx, n, opts)
		if err != nil {
			return all, fmt.Errorf("pipeline stopped at stage %d: %w", n, err)
		}
		all = append(all, stats)
	}
	return all, nil
}

// contractSampleSize bounds how many fresh rows a post-stage contract check
// reads back.
const contractSampleSize = 500

// checkContract evaluates a sample of the stage's fresh output against its
// data contract. Violations become CONTRACT_BREACH signals rather than
// failures: the rows stay queryable and rollback by run_id remains the
// remedy.
func (p *Pipeline) checkContract(n int, opts Options, stats *Stats) {
	c := contracts.ForStage(n)
	if c == nil || opts.DryRun {
		return
	}
	table, err := warehouse.StageTable(n)
	if err != nil || table == "" {
		return
	}
	sample, err := p.wh.SampleRows(table, opts.RunID, contractSampleSize)
	if err != nil {
		logging.Warn("pipeline", "contract check for stage %d could not sample %s: %v", n, table, err)
		return
	}
	res := c.Check(sample)
	if res.OK() {
		return
	}
	logging.Warn("pipeline", "stage %d output violates %s: %d violation(s) in %d sampled rows",
		n, c.ContractID, len(res.Violations), res.Checked)
	for _, v := range res.Violations {
		p.signal(n, "", SignalContractBreach, fmt.Sprintf("%s: %s: %s", c.ContractID, v.Rule, v.Message), opts.RunID)
		stats.Signals++
	}
}

// requireUpstream fails fast when a stage's input table has no rows for the
// run, naming the table and the stage to re-run.
func (p *Pipeline) requireUpstream(table string, upstreamStage int, runID string) (int, error) {
	exists, err := p.wh.TableExists(table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s; run stage %d first", warehouse.ErrTableMissing, table, upstreamStage)
	}
	count, err := p.wh.CountRows(table, runID)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("no rows in %s for run %s; run stage %d first", table, runID, upstreamStage)
	}
	return count, nil
}

// recordLineage appends an event and a provenance record for one entity's
// transformation at a stage. Lineage failures are logged, never fatal: the
// stage's own table write is the source of truth.
func (p *Pipeline) recordLineage(entityID, eventType string, stage int, runID, transformation string, input, output any) {
	if _, err := p.events.Append(entityID, eventType, stage, runID, map[string]any{
		"transformation": transformation,
	}); err != nil {
		logging.Debug("pipeline", "event append failed for %s: %v", entityID, err)
	}
	if _, err := p.ledger.Append(entityID, stage, provenance.Hash(input), provenance.Hash(output), transformation, runID, nil); err != nil {
		logging.Debug("pipeline", "provenance append failed for %s: %v", entityID, err)
	}
}

// signal records a structured error row. Signals make skipped work
// observable without failing a batch.
func (p *Pipeline) signal(stage int, entityID, signalType, message, runID string) {
	s := newSignal(stage, entityID, signalType, message, runID)
	if err := p.wh.InsertSignal(s); err != nil {
		logging.Warn("pipeline", "could not record signal for %s: %v", entityID, err)
	}
}
