// Package pipeline orchestrates one extraction run: scan the input
// directory, parse and validate every file, derive relationships and
// proponents, then load everything inside a single transaction with
// lineage, aggregates and reconciliation, finishing with a run log row
// and one operator alert. Runs are single-flight and idempotent.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quintadata/transfergov/pkg/alert"
	"github.com/quintadata/transfergov/pkg/config"
	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/observability"
	"github.com/quintadata/transfergov/pkg/proponent"
	"github.com/quintadata/transfergov/pkg/reconcile"
	"github.com/quintadata/transfergov/pkg/retry"
	"github.com/quintadata/transfergov/pkg/store"
	"github.com/quintadata/transfergov/pkg/store/lineage"
	"github.com/quintadata/transfergov/pkg/store/lock"
	"github.com/quintadata/transfergov/pkg/store/runlog"
	"github.com/quintadata/transfergov/pkg/validate"
)

// entityKinds are the five dimension/fact families whose table totals
// feed the volume anomaly check.
var entityKinds = []entity.Kind{
	entity.KindPrograma, entity.KindProposta, entity.KindApoiador,
	entity.KindEmenda, entity.KindProponente,
}

// Result is the outcome of one run, for the CLI and tests.
type Result struct {
	RunID            string
	Status           runlog.Status
	StartedAt        time.Time
	Duration         time.Duration
	Counts           map[string]store.Counts
	RecordsExtracted int
	RecordsInserted  int
	RecordsUpdated   int
	RecordsFailed    int
	Errors           []string
	Discrepancies    []reconcile.Discrepancy
	Anomalies        []string
}

// Pipeline wires the stages around one store.
type Pipeline struct {
	cfg     *config.Config
	st      *store.Store
	runs    *runlog.Store
	locks   lock.Acquirer
	alerter *alert.Alerter
	obs     *observability.Provider
	logger  *slog.Logger
	now     func() time.Time
}

// New assembles a pipeline. The lock acquirer must match the store's
// dialect; cmd wires a PGAcquirer or a FileAcquirer accordingly.
func New(cfg *config.Config, st *store.Store, locks lock.Acquirer, alerter *alert.Alerter, obs *observability.Provider) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		st:      st,
		runs:    runlog.New(st.DB()),
		locks:   locks,
		alerter: alerter,
		obs:     obs,
		logger:  slog.Default().With("component", "pipeline"),
		now:     time.Now,
	}
}

// Run executes one full extraction. lock.ErrAlreadyRunning is returned
// untouched so schedulers can skip quietly. Any other error comes with a
// Result whose run log row was already written.
func (p *Pipeline) Run(ctx context.Context) (result *Result, err error) {
	started := p.now().UTC()
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)

	ctx, done := p.obs.TrackOperation(ctx, "pipeline_run", attribute.String("run_id", runID))
	defer func() { done(err) }()
	p.obs.RecordRun(ctx)

	lk, err := p.locks.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := lk.Release(releaseCtx); rerr != nil {
			logger.Warn("lock release failed", "error", rerr)
		}
	}()

	result = &Result{RunID: runID, StartedAt: started}
	logger.Info("run started", "input_dir", p.cfg.Extraction.InputDir)

	files, extractionDate, err := ScanInput(p.cfg.Extraction.InputDir, started)
	if err != nil {
		return p.finishFailed(result, err.Error()), err
	}
	if len(files) == 0 {
		err = fmt.Errorf("pipeline: no input files under %s", p.cfg.Extraction.InputDir)
		return p.finishFailed(result, err.Error()), err
	}

	results, bad, err := parseAll(ctx, files, logger)
	if err != nil {
		return p.finishFailed(result, err.Error()), err
	}

	batch, rowErrors, origin := assemble(results)
	result.RecordsExtracted = batch.Total()
	result.RecordsFailed = len(rowErrors)
	for _, re := range rowErrors {
		result.Errors = append(result.Errors, re.Error())
	}
	for _, q := range bad {
		result.Errors = append(result.Errors, q.String())
	}

	if batch.Total() == 0 {
		err = fmt.Errorf("pipeline: no valid records extracted")
		return p.finishFailed(result, err.Error()), err
	}
	if err = ctx.Err(); err != nil {
		return p.finishFailed(result, err.Error()), err
	}

	// Anomaly baseline: table totals as the previous run left them. The
	// very first run has no baseline and skips the check.
	var prevTotals map[string]int
	if last, lerr := p.runs.Latest(ctx); lerr == nil && last != nil {
		totals, terr := p.tableTotals(ctx)
		if terr != nil {
			logger.Warn("anomaly baseline unavailable", "error", terr)
		} else {
			prevTotals = totals
		}
	}

	status := runlog.StatusSuccess
	if len(rowErrors) > 0 || len(bad) > 0 {
		status = runlog.StatusPartial
	}

	loadCtx, loadDone := p.obs.TrackOperation(ctx, "load_transaction")
	txErr := retry.Do(loadCtx, retry.DefaultPolicy(), "load_transaction", func(ctx context.Context) error {
		return p.loadOnce(ctx, result, batch, results, origin, extractionDate, started, &status)
	})
	loadDone(txErr)
	if txErr != nil {
		err = txErr
		return p.finishFailed(result, err.Error()), err
	}

	if prevTotals != nil {
		if currTotals, terr := p.tableTotals(ctx); terr == nil {
			result.Anomalies = alert.DetectAnomalies(prevTotals, currTotals, p.cfg.Reconciliation.VolumeTolerancePercent)
		}
	}

	result.Status = status
	result.Duration = p.now().UTC().Sub(started)
	logger.Info("run finished",
		"status", string(status),
		"duration", result.Duration.Round(time.Millisecond),
		"inserted", result.RecordsInserted,
		"updated", result.RecordsUpdated,
		"failed", result.RecordsFailed,
	)
	p.notify(result)
	return result, nil
}

// loadOnce is the transactional stage: every write of the run commits or
// rolls back together, the run log row included.
func (p *Pipeline) loadOnce(ctx context.Context, result *Result, batch *entity.Batch, results []*fileResult, origin *originIndex, extractionDate, started time.Time, status *runlog.Status) error {
	tx, err := p.st.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	loader := store.NewLoader(tx, p.st.Dialect(), p.now().UTC(), extractionDate)
	counts, err := loader.LoadBatch(ctx, batch)
	if err != nil {
		return err
	}
	result.Counts = counts
	result.RecordsInserted, result.RecordsUpdated = 0, 0
	for _, c := range counts {
		result.RecordsInserted += c.Inserted
		result.RecordsUpdated += c.Updated
	}

	rec := lineage.NewRecorder(tx, p.cfg.Lineage.PipelineVersion, p.cfg.Lineage.SourceURL, started)
	rec.WarnOnVersionRegression(ctx, p.st.DB())
	if err := recordLineage(ctx, rec, batch, origin); err != nil {
		return err
	}

	if err := store.RefreshProponentAggregates(ctx, tx); err != nil {
		return err
	}

	checks, err := buildChecks(ctx, rec, results)
	if err != nil {
		return err
	}
	result.Discrepancies = reconcile.Run(checks, p.cfg.Reconciliation.VolumeTolerancePercent, p.logger)
	if len(result.Discrepancies) > 0 {
		*status = runlog.StatusPartial
	}

	finished := p.now().UTC()
	entry := runlog.Entry{
		ID:               result.RunID,
		Status:           *status,
		StartedAt:        started,
		FinishedAt:       finished,
		DurationSeconds:  finished.Sub(started).Seconds(),
		RecordsExtracted: result.RecordsExtracted,
		RecordsInserted:  result.RecordsInserted,
		RecordsUpdated:   result.RecordsUpdated,
		RecordsFailed:    result.RecordsFailed,
		ErrorMessage:     runlog.TruncateErrors(result.Errors),
	}
	if err := p.runs.Append(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pipeline: commit: %w", err)
	}
	committed = true
	return nil
}

// finishFailed writes the failed run log row outside any transaction and
// sends the failure alert. The append uses a fresh context so a
// cancellation that killed the run does not also swallow its post-mortem.
func (p *Pipeline) finishFailed(result *Result, reason string) *Result {
	result.Status = runlog.StatusFailed
	if len(result.Errors) == 0 || result.Errors[len(result.Errors)-1] != reason {
		result.Errors = append(result.Errors, reason)
	}
	finished := p.now().UTC()
	result.Duration = finished.Sub(result.StartedAt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entry := runlog.Entry{
		ID:               result.RunID,
		Status:           runlog.StatusFailed,
		StartedAt:        result.StartedAt,
		FinishedAt:       finished,
		DurationSeconds:  result.Duration.Seconds(),
		RecordsExtracted: result.RecordsExtracted,
		RecordsFailed:    result.RecordsFailed,
		ErrorMessage:     runlog.TruncateErrors(result.Errors),
	}
	if err := p.runs.Append(ctx, nil, entry); err != nil {
		p.logger.Error("failed run could not be logged", "run_id", result.RunID, "error", err)
	}
	p.notify(result)
	return result
}

// notify sends the single per-run alert. Alert failures are already
// logged inside the alerter and never fail the run.
func (p *Pipeline) notify(result *Result) {
	if p.alerter == nil {
		return
	}
	summary := alert.Summary{
		RunID:           result.RunID,
		Status:          string(result.Status),
		StartedAt:       result.StartedAt,
		Duration:        result.Duration,
		RecordsInserted: result.RecordsInserted,
		RecordsUpdated:  result.RecordsUpdated,
		RecordsFailed:   result.RecordsFailed,
		Errors:          result.Errors,
		Anomalies:       result.Anomalies,
	}
	if len(result.Counts) > 0 {
		summary.TableCounts = make(map[string]int, len(result.Counts))
		for table, c := range result.Counts {
			summary.TableCounts[table] = c.Total()
		}
	}
	if p.cfg.Reconciliation.AlertOnMismatch {
		for _, d := range result.Discrepancies {
			summary.ReconcileWarnings = append(summary.ReconcileWarnings, d.String())
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = p.alerter.Notify(ctx, summary)
}

// tableTotals counts the rows of every entity table.
func (p *Pipeline) tableTotals(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(entityKinds))
	for _, kind := range entityKinds {
		table := kind.Table()
		var n int
		if err := p.st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("pipeline: count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// originIndex remembers which source file first produced each record, for
// lineage attribution. Keys are base file names.
type originIndex struct {
	byKind map[entity.Kind]map[string]string
}

func newOriginIndex() *originIndex {
	return &originIndex{byKind: make(map[entity.Kind]map[string]string)}
}

func (o *originIndex) note(kind entity.Kind, id, file string) {
	m, ok := o.byKind[kind]
	if !ok {
		m = make(map[string]string)
		o.byKind[kind] = m
	}
	if _, seen := m[id]; !seen {
		m[id] = file
	}
}

func (o *originIndex) fileOf(kind entity.Kind, id string) string {
	return o.byKind[kind][id]
}

// assemble merges per-file results into one deduplicated batch. Upserts
// batch rows into multi-row INSERTs, so the same natural key must appear
// at most once; first observation wins, matching the validator's
// first-wins rules.
func assemble(results []*fileResult) (*entity.Batch, []validate.RowError, *originIndex) {
	batch := entity.NewBatch()
	origin := newOriginIndex()
	var rowErrors []validate.RowError

	seenPrograma := make(map[string]bool)
	seenProposta := make(map[string]bool)
	seenApoiador := make(map[string]bool)
	seenEmenda := make(map[string]bool)
	seenPA := make(map[[2]string]bool)
	seenPE := make(map[[2]string]bool)

	attrs := make(map[string]proponent.Attributes)
	propostaOrigin := make(map[string]string)

	for _, r := range results {
		base := filepath.Base(r.file.Path)
		rowErrors = append(rowErrors, r.rowErrors...)

		for _, pr := range r.programas {
			if seenPrograma[pr.TransferGovID] {
				continue
			}
			seenPrograma[pr.TransferGovID] = true
			batch.Programas = append(batch.Programas, pr)
			origin.note(entity.KindPrograma, pr.TransferGovID, base)
		}
		for _, pp := range r.propostas {
			if seenProposta[pp.TransferGovID] {
				continue
			}
			seenProposta[pp.TransferGovID] = true
			batch.Propostas = append(batch.Propostas, pp)
			origin.note(entity.KindProposta, pp.TransferGovID, base)
			propostaOrigin[pp.TransferGovID] = base
		}
		for id, a := range r.attrs {
			if _, ok := attrs[id]; !ok {
				attrs[id] = a
			}
		}
		for _, e := range r.emendas {
			if seenEmenda[e.TransferGovID] {
				continue
			}
			seenEmenda[e.TransferGovID] = true
			batch.Emendas = append(batch.Emendas, e)
			origin.note(entity.KindEmenda, e.TransferGovID, base)
		}
		if r.link == nil {
			continue
		}
		for _, a := range r.link.Apoiadores {
			if seenApoiador[a.TransferGovID] {
				continue
			}
			seenApoiador[a.TransferGovID] = true
			batch.Apoiadores = append(batch.Apoiadores, a)
			origin.note(entity.KindApoiador, a.TransferGovID, base)
		}
		for _, e := range r.link.Emendas {
			if seenEmenda[e.TransferGovID] {
				continue
			}
			seenEmenda[e.TransferGovID] = true
			batch.Emendas = append(batch.Emendas, e)
			origin.note(entity.KindEmenda, e.TransferGovID, base)
		}
		for _, j := range r.link.PropostaApoiadores {
			pair := [2]string{j.PropostaTransferGovID, j.ApoiadorTransferGovID}
			if seenPA[pair] {
				continue
			}
			seenPA[pair] = true
			batch.PropostaApoiadores = append(batch.PropostaApoiadores, j)
		}
		for _, j := range r.link.PropostaEmendas {
			pair := [2]string{j.PropostaTransferGovID, j.EmendaTransferGovID}
			if seenPE[pair] {
				continue
			}
			seenPE[pair] = true
			batch.PropostaEmendas = append(batch.PropostaEmendas, j)
		}
		for propostaID, programaID := range r.link.ProgramaLinks {
			if _, ok := batch.ProgramaLinks[propostaID]; !ok {
				batch.ProgramaLinks[propostaID] = programaID
			}
		}
	}

	batch.Proponentes = proponent.Build(batch.Propostas, attrs)
	for _, pn := range batch.Proponentes {
		// A proponent's provenance is the proposals file that introduced it.
		for _, pp := range batch.Propostas {
			if pp.ProponenteCNPJ == pn.CNPJ {
				origin.note(entity.KindProponente, pn.CNPJ, propostaOrigin[pp.TransferGovID])
				break
			}
		}
	}
	return batch, rowErrors, origin
}

// recordLineage appends one lineage row per entity record.
func recordLineage(ctx context.Context, rec *lineage.Recorder, batch *entity.Batch, origin *originIndex) error {
	for _, r := range batch.Programas {
		if err := rec.RecordEntity(ctx, string(entity.KindPrograma), r.TransferGovID, origin.fileOf(entity.KindPrograma, r.TransferGovID), r); err != nil {
			return err
		}
	}
	for _, r := range batch.Propostas {
		if err := rec.RecordEntity(ctx, string(entity.KindProposta), r.TransferGovID, origin.fileOf(entity.KindProposta, r.TransferGovID), r); err != nil {
			return err
		}
	}
	for _, r := range batch.Apoiadores {
		if err := rec.RecordEntity(ctx, string(entity.KindApoiador), r.TransferGovID, origin.fileOf(entity.KindApoiador, r.TransferGovID), r); err != nil {
			return err
		}
	}
	for _, r := range batch.Emendas {
		if err := rec.RecordEntity(ctx, string(entity.KindEmenda), r.TransferGovID, origin.fileOf(entity.KindEmenda, r.TransferGovID), r); err != nil {
			return err
		}
	}
	for _, r := range batch.Proponentes {
		if err := rec.RecordEntity(ctx, string(entity.KindProponente), r.CNPJ, origin.fileOf(entity.KindProponente, r.CNPJ), r); err != nil {
			return err
		}
	}
	return nil
}

// buildChecks pairs each file's source-side count (schema-accepted rows,
// or distinct extracted records for the link file) with the lineage count
// this run wrote for it.
func buildChecks(ctx context.Context, rec *lineage.Recorder, results []*fileResult) ([]reconcile.Check, error) {
	var checks []reconcile.Check
	for _, r := range results {
		base := filepath.Base(r.file.Path)
		kinds := []entity.Kind{r.file.Kind}
		if r.file.Kind == KindLink {
			kinds = []entity.Kind{entity.KindApoiador, entity.KindEmenda}
		}
		for _, kind := range kinds {
			src := r.sourceCount(kind)
			if src == 0 {
				continue
			}
			loaded, err := rec.CountForFile(ctx, string(kind), base)
			if err != nil {
				return nil, err
			}
			checks = append(checks, reconcile.Check{
				Entity:      string(kind),
				SourceFile:  base,
				SourceCount: src,
				LoadedCount: loaded,
			})
		}
	}
	return checks, nil
}
