package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quintadata/transfergov/pkg/entity"
)

// DryRunReport is what `run --dry-run` prints: the full parse and
// validation outcome with no database, lineage, run log or alert.
type DryRunReport struct {
	EntitiesFound      map[string]int     `json:"entities_found"`
	ValidationErrors   []string           `json:"validation_errors"`
	RelationshipsFound RelationshipCounts `json:"relationships_found"`
	Warnings           []string           `json:"warnings"`
}

// RelationshipCounts summarizes what the link file contributed.
type RelationshipCounts struct {
	Apoiadores int `json:"apoiadores"`
	Emendas    int `json:"emendas"`
	Links      int `json:"links"`
}

// HasValidationErrors drives the CLI's exit code 2.
func (r *DryRunReport) HasValidationErrors() bool {
	return len(r.ValidationErrors) > 0
}

// WriteJSON renders the report for stdout.
func (r *DryRunReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// DryRun parses and validates the input directory exactly as a real run
// would, stopping before the transaction.
func DryRun(ctx context.Context, inputDir string, logger *slog.Logger) (*DryRunReport, error) {
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	files, _, err := ScanInput(inputDir, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("pipeline: no input files under %s", inputDir)
	}
	results, bad, err := parseAll(ctx, files, logger)
	if err != nil {
		return nil, err
	}

	batch, rowErrors, _ := assemble(results)
	report := &DryRunReport{
		EntitiesFound: map[string]int{
			string(entity.KindPrograma):   len(batch.Programas),
			string(entity.KindProposta):   len(batch.Propostas),
			string(entity.KindApoiador):   len(batch.Apoiadores),
			string(entity.KindEmenda):     len(batch.Emendas),
			string(entity.KindProponente): len(batch.Proponentes),
		},
		ValidationErrors: make([]string, 0, len(rowErrors)),
		RelationshipsFound: RelationshipCounts{
			Apoiadores: len(batch.PropostaApoiadores),
			Emendas:    len(batch.PropostaEmendas),
			Links:      len(batch.ProgramaLinks),
		},
		Warnings: make([]string, 0, len(bad)),
	}
	for _, re := range rowErrors {
		report.ValidationErrors = append(report.ValidationErrors, re.Error())
	}
	for _, q := range bad {
		report.Warnings = append(report.Warnings, q.String())
	}
	return report, nil
}
