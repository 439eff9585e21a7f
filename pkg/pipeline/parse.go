package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/proponent"
	"github.com/quintadata/transfergov/pkg/relate"
	"github.com/quintadata/transfergov/pkg/schema"
	"github.com/quintadata/transfergov/pkg/tabular"
	"github.com/quintadata/transfergov/pkg/validate"
)

// parallelThreshold is the file count at which parsing moves to a worker
// pool.
const (
	parallelThreshold = 10
	parseWorkers      = 4
)

// fileResult is everything one successfully parsed file contributes.
type fileResult struct {
	file SourceFile
	// acceptedRows is the schema-accepted row count, before validation.
	acceptedRows int

	programas []entity.Programa
	propostas []entity.Proposta
	emendas   []entity.Emenda
	attrs     map[string]proponent.Attributes
	link      *relate.Extraction

	rowErrors []validate.RowError
}

// sourceCount is the reconciler's source side for this file, per entity
// kind: every schema-accepted row for entity files (validation-rejected
// rows included, so a lossy load is visible), distinct extracted records
// for the relationship file, whose rows repeat supporters and amendments.
func (r *fileResult) sourceCount(kind entity.Kind) int {
	if r.link != nil {
		switch kind {
		case entity.KindApoiador:
			return len(r.link.Apoiadores)
		case entity.KindEmenda:
			return len(r.link.Emendas)
		}
		return 0
	}
	if kind == r.file.Kind {
		return r.acceptedRows
	}
	return 0
}

// quarantined records one file the run set aside.
type quarantined struct {
	file   SourceFile
	reason string
}

func (q quarantined) String() string {
	return fmt.Sprintf("%s: %s", filepath.Base(q.file.Path), q.reason)
}

// parseFile runs one file through read → normalize → validate. Errors
// here quarantine the file; row-level problems land in rowErrors and the
// file still contributes its valid rows.
func parseFile(sf SourceFile, logger *slog.Logger) (*fileResult, error) {
	table, err := tabular.ReadFile(sf.Path)
	if err != nil {
		return nil, err
	}

	normKind := sf.Kind
	if normKind == KindLink {
		normKind = entity.KindApoiador
	}
	normalized, err := schema.Normalize(table, normKind)
	if err != nil {
		return nil, err
	}

	res := &fileResult{file: sf, acceptedRows: normalized.NumRows()}
	switch sf.Kind {
	case entity.KindPrograma:
		res.programas, res.rowErrors = validate.Programas(normalized)
	case entity.KindProposta:
		res.propostas, res.rowErrors = validate.Propostas(normalized)
		res.attrs = proponent.AttributesFromTable(normalized)
	case entity.KindEmenda:
		res.emendas, res.rowErrors = validate.Emendas(normalized)
	case KindLink:
		res.link = relate.Extract(normalized, logger)
		res.rowErrors = res.link.Errors
	}
	logger.Info("file parsed",
		"file", filepath.Base(sf.Path),
		"kind", string(sf.Kind),
		"rows", normalized.NumRows(),
		"row_errors", len(res.rowErrors),
	)
	return res, nil
}

// parseAll parses every file, in a worker pool when the batch is large
// enough to benefit. Results keep the input order; quarantined files are
// returned separately and never abort the run.
func parseAll(ctx context.Context, files []SourceFile, logger *slog.Logger) ([]*fileResult, []quarantined, error) {
	if len(files) < parallelThreshold {
		var results []*fileResult
		var bad []quarantined
		for _, sf := range files {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			res, err := parseFile(sf, logger)
			if err != nil {
				logger.Warn("file quarantined", "file", filepath.Base(sf.Path), "reason", err)
				bad = append(bad, quarantined{file: sf, reason: err.Error()})
				continue
			}
			results = append(results, res)
		}
		return results, bad, nil
	}

	type job struct {
		idx int
		sf  SourceFile
	}
	type outcome struct {
		idx int
		res *fileResult
		err error
	}
	jobs := make(chan job)
	outcomes := make(chan outcome, len(files))

	var wg sync.WaitGroup
	for w := 0; w < parseWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res, err := parseFile(j.sf, logger)
				outcomes <- outcome{idx: j.idx, res: res, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, sf := range files {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{idx: i, sf: sf}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	byIdx := make(map[int]outcome, len(files))
	for o := range outcomes {
		byIdx[o.idx] = o
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var results []*fileResult
	var bad []quarantined
	for i, sf := range files {
		o, ok := byIdx[i]
		if !ok {
			continue
		}
		if o.err != nil {
			logger.Warn("file quarantined", "file", filepath.Base(sf.Path), "reason", o.err)
			bad = append(bad, quarantined{file: sf, reason: o.err.Error()})
			continue
		}
		results = append(results, o.res)
	}
	return results, bad, nil
}
