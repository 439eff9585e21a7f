package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quintadata/transfergov/pkg/entity"
)

// batchSize bounds how many rows one multi-row INSERT carries.
const batchSize = 500

// Counts reports the outcome of one table's upserts.
type Counts struct {
	Inserted int
	Updated  int
}

// Total is inserted plus updated.
func (c Counts) Total() int { return c.Inserted + c.Updated }

func (c *Counts) add(other Counts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
}

// Loader performs the run's idempotent upserts on a single transaction
// owned by the orchestrator. The commit is never issued here.
type Loader struct {
	tx             *sql.Tx
	dialect        Dialect
	now            time.Time
	extractionDate time.Time
	logger         *slog.Logger
}

// NewLoader binds a loader to the run transaction. now stamps audit
// columns; extractionDate is the run's input date.
func NewLoader(tx *sql.Tx, dialect Dialect, now, extractionDate time.Time) *Loader {
	return &Loader{
		tx:             tx,
		dialect:        dialect,
		now:            now,
		extractionDate: extractionDate,
		logger:         slog.Default().With("component", "loader"),
	}
}

// tableSpec describes one table's upsert shape. conflict names the unique
// constraint columns; update lists the columns refreshed on conflict.
// created_at and extraction_date are written only on insert; updated_at is
// always refreshed.
type tableSpec struct {
	table    string
	columns  []string
	conflict []string
	update   []string
}

// LoadBatch upserts the whole batch in dependency order: parents before
// the junction rows that reference them. Returns per-table counts keyed
// by table name.
func (l *Loader) LoadBatch(ctx context.Context, b *entity.Batch) (map[string]Counts, error) {
	counts := make(map[string]Counts)
	steps := []struct {
		table string
		fn    func(context.Context) (Counts, error)
	}{
		{"programas", func(ctx context.Context) (Counts, error) { return l.UpsertProgramas(ctx, b.Programas) }},
		{"propostas", func(ctx context.Context) (Counts, error) { return l.UpsertPropostas(ctx, b.Propostas) }},
		{"proponentes", func(ctx context.Context) (Counts, error) { return l.UpsertProponentes(ctx, b.Proponentes) }},
		{"apoiadores", func(ctx context.Context) (Counts, error) { return l.UpsertApoiadores(ctx, b.Apoiadores) }},
		{"emendas", func(ctx context.Context) (Counts, error) { return l.UpsertEmendas(ctx, b.Emendas) }},
		{"proposta_apoiadores", func(ctx context.Context) (Counts, error) { return l.UpsertPropostaApoiadores(ctx, b.PropostaApoiadores) }},
		{"proposta_emendas", func(ctx context.Context) (Counts, error) { return l.UpsertPropostaEmendas(ctx, b.PropostaEmendas) }},
	}
	for _, step := range steps {
		c, err := step.fn(ctx)
		if err != nil {
			return counts, fmt.Errorf("load %s: %w", step.table, err)
		}
		counts[step.table] = c
		l.logger.Info("table loaded", "table", step.table, "inserted", c.Inserted, "updated", c.Updated)
	}

	linked, err := l.ApplyProgramaLinks(ctx, b.ProgramaLinks)
	if err != nil {
		return counts, err
	}
	if linked > 0 {
		l.logger.Info("program links applied", "count", linked)
	}
	return counts, nil
}

// UpsertProgramas loads the program catalogue.
func (l *Loader) UpsertProgramas(ctx context.Context, rows []entity.Programa) (Counts, error) {
	spec := tableSpec{
		table:    "programas",
		columns:  []string{"transfer_gov_id", "nome", "orgao_superior", "orgao_vinculado", "modalidade", "acao_orcamentaria"},
		conflict: []string{"transfer_gov_id"},
		update:   []string{"nome", "orgao_superior", "orgao_vinculado", "modalidade", "acao_orcamentaria"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.TransferGovID, nullString(r.Nome), nullString(r.OrgaoSuperior), nullString(r.OrgaoVinculado), nullString(r.Modalidade), nullString(r.AcaoOrcamentaria)}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertPropostas loads the fact table. ProgramaID and ProponenteCNPJ are
// soft references; dangling values load as-is and are reported by the
// reconciliation stage, never rejected here.
func (l *Loader) UpsertPropostas(ctx context.Context, rows []entity.Proposta) (Counts, error) {
	spec := tableSpec{
		table: "propostas",
		columns: []string{"transfer_gov_id", "titulo", "valor_global", "valor_repasse", "valor_contrapartida",
			"data_publicacao", "data_inicio_vigencia", "data_fim_vigencia", "situacao", "estado",
			"municipio", "proponente", "proponente_cnpj", "programa_id"},
		conflict: []string{"transfer_gov_id"},
		update: []string{"titulo", "valor_global", "valor_repasse", "valor_contrapartida",
			"data_publicacao", "data_inicio_vigencia", "data_fim_vigencia", "situacao", "estado",
			"municipio", "proponente", "proponente_cnpj", "programa_id"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.TransferGovID, nullString(r.Titulo), nullFloat(r.ValorGlobal), nullFloat(r.ValorRepasse), nullFloat(r.ValorContrapartida),
			nullTime(r.DataPublicacao), nullTime(r.DataInicioVigencia), nullTime(r.DataFimVigencia), nullString(r.Situacao), nullString(r.Estado),
			nullString(r.Municipio), nullString(r.Proponente), nullString(r.ProponenteCNPJ), nullString(r.ProgramaID)}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertApoiadores loads the supporter dimension.
func (l *Loader) UpsertApoiadores(ctx context.Context, rows []entity.Apoiador) (Counts, error) {
	spec := tableSpec{
		table:    "apoiadores",
		columns:  []string{"transfer_gov_id", "nome", "tipo", "orgao"},
		conflict: []string{"transfer_gov_id"},
		update:   []string{"nome", "tipo", "orgao"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.TransferGovID, nullString(r.Nome), nullString(r.Tipo), nullString(r.Orgao)}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertEmendas loads the amendment dimension.
func (l *Loader) UpsertEmendas(ctx context.Context, rows []entity.Emenda) (Counts, error) {
	spec := tableSpec{
		table:    "emendas",
		columns:  []string{"transfer_gov_id", "numero", "autor", "valor", "tipo", "ano"},
		conflict: []string{"transfer_gov_id"},
		update:   []string{"numero", "autor", "valor", "tipo", "ano"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.TransferGovID, r.Numero, nullString(r.Autor), nullFloat(r.Valor), nullString(r.Tipo), nullInt(r.Ano)}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertProponentes loads the proposer dimension. The aggregate columns
// are owned by RefreshProponentAggregates and never touched here.
func (l *Loader) UpsertProponentes(ctx context.Context, rows []entity.Proponente) (Counts, error) {
	spec := tableSpec{
		table:    "proponentes",
		columns:  []string{"cnpj", "nome", "natureza_juridica", "is_osc", "estado", "municipio", "cep", "endereco", "bairro"},
		conflict: []string{"cnpj"},
		update:   []string{"nome", "natureza_juridica", "is_osc", "estado", "municipio", "cep", "endereco", "bairro"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.CNPJ, nullString(r.Nome), nullString(r.NaturezaJuridica), r.IsOSC, nullString(r.Estado), nullString(r.Municipio), nullString(r.CEP), nullString(r.Endereco), nullString(r.Bairro)}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertPropostaApoiadores loads the proposal↔supporter junction. The
// compound pair is the conflict target, so reruns never duplicate links.
func (l *Loader) UpsertPropostaApoiadores(ctx context.Context, rows []entity.PropostaApoiador) (Counts, error) {
	spec := tableSpec{
		table:    "proposta_apoiadores",
		columns:  []string{"proposta_transfer_gov_id", "apoiador_transfer_gov_id"},
		conflict: []string{"proposta_transfer_gov_id", "apoiador_transfer_gov_id"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.PropostaTransferGovID, r.ApoiadorTransferGovID}
	}
	return l.upsert(ctx, spec, values)
}

// UpsertPropostaEmendas loads the proposal↔amendment junction.
func (l *Loader) UpsertPropostaEmendas(ctx context.Context, rows []entity.PropostaEmenda) (Counts, error) {
	spec := tableSpec{
		table:    "proposta_emendas",
		columns:  []string{"proposta_transfer_gov_id", "emenda_transfer_gov_id"},
		conflict: []string{"proposta_transfer_gov_id", "emenda_transfer_gov_id"},
	}
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = []any{r.PropostaTransferGovID, r.EmendaTransferGovID}
	}
	return l.upsert(ctx, spec, values)
}

// ApplyProgramaLinks sets propostas.programa_id from the link file hints,
// only where the reference is still null. An existing link is never
// clobbered. Returns how many proposals were linked.
func (l *Loader) ApplyProgramaLinks(ctx context.Context, links map[string]string) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	linked := 0
	for propostaID, programaID := range links {
		stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
		res, err := l.tx.ExecContext(stmtCtx,
			`UPDATE propostas SET programa_id = $1, updated_at = $2 WHERE transfer_gov_id = $3 AND programa_id IS NULL`,
			programaID, l.now, propostaID)
		cancel()
		if err != nil {
			return linked, fmt.Errorf("apply program link %s→%s: %w", propostaID, programaID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			linked += int(n)
		}
	}
	return linked, nil
}

// upsert issues batched multi-row INSERT ... ON CONFLICT DO UPDATE. On
// Postgres the insert/update split comes from RETURNING (xmax = 0); on
// SQLite affected rows count as inserts, matching the lite-mode contract.
func (l *Loader) upsert(ctx context.Context, spec tableSpec, rows [][]any) (Counts, error) {
	var total Counts
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		c, err := l.upsertChunk(ctx, spec, rows[start:end])
		if err != nil {
			return total, err
		}
		total.add(c)
	}
	return total, nil
}

func (l *Loader) upsertChunk(ctx context.Context, spec tableSpec, rows [][]any) (Counts, error) {
	if len(rows) == 0 {
		return Counts{}, nil
	}
	allColumns := append(append([]string{}, spec.columns...), "created_at", "updated_at", "extraction_date")

	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(allColumns))
	sb.WriteString("INSERT INTO ")
	sb.WriteString(spec.table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(allColumns, ", "))
	sb.WriteString(") VALUES ")
	placeholder := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < len(allColumns); j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", placeholder)
			placeholder++
		}
		sb.WriteByte(')')
		args = append(args, row...)
		args = append(args, l.now, l.now, l.extractionDate)
	}

	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(spec.conflict, ", "))
	sb.WriteString(") DO ")
	if len(spec.update) == 0 {
		// Junctions have no non-key payload; refresh the audit column so
		// the row reflects the latest run that observed the link.
		sb.WriteString("UPDATE SET updated_at = EXCLUDED.updated_at")
	} else {
		sb.WriteString("UPDATE SET ")
		for i, col := range spec.update {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
		}
		sb.WriteString(", updated_at = EXCLUDED.updated_at")
	}

	stmtCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if l.dialect == Postgres {
		sb.WriteString(" RETURNING (xmax = 0)")
		rs, err := l.tx.QueryContext(stmtCtx, sb.String(), args...)
		if err != nil {
			return Counts{}, err
		}
		defer func() { _ = rs.Close() }()
		var c Counts
		for rs.Next() {
			var inserted bool
			if err := rs.Scan(&inserted); err != nil {
				return c, err
			}
			if inserted {
				c.Inserted++
			} else {
				c.Updated++
			}
		}
		return c, rs.Err()
	}

	res, err := l.tx.ExecContext(stmtCtx, sb.String(), args...)
	if err != nil {
		return Counts{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Counts{}, err
	}
	return Counts{Inserted: int(n)}, nil
}
