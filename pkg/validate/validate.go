// Package validate applies the per-entity business rules to normalized
// tables and partitions rows into typed records and row errors. Bad rows
// never abort a run: they are collected with their row index and reason
// while the valid subset proceeds to the loader.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/tabular"
)

// RowError describes one rejected row. Row is the 1-based data row index
// (header excluded), matching what an operator sees in a spreadsheet minus
// the header line.
type RowError struct {
	Row    int
	Field  string
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// federativeUnits is the closed set of 27 Brazilian UF codes.
var federativeUnits = map[string]bool{
	"AC": true, "AL": true, "AP": true, "AM": true, "BA": true, "CE": true,
	"DF": true, "ES": true, "GO": true, "MA": true, "MT": true, "MS": true,
	"MG": true, "PA": true, "PB": true, "PR": true, "PE": true, "PI": true,
	"RJ": true, "RN": true, "RS": true, "RO": true, "RR": true, "SC": true,
	"SP": true, "SE": true, "TO": true,
}

// Propostas validates a normalized proposals table.
func Propostas(t *tabular.Table) ([]entity.Proposta, []RowError) {
	var valid []entity.Proposta
	var errs []RowError
	for i := range t.Rows {
		row := i + 1
		id := strings.TrimSpace(t.Cell(i, "transfer_gov_id"))
		if id == "" {
			errs = append(errs, RowError{Row: row, Field: "transfer_gov_id", Reason: "empty source id"})
			continue
		}
		p := entity.Proposta{
			TransferGovID:  id,
			Titulo:         t.Cell(i, "titulo"),
			Situacao:       t.Cell(i, "situacao"),
			Municipio:      t.Cell(i, "municipio"),
			Proponente:     t.Cell(i, "proponente"),
			ProponenteCNPJ: t.Cell(i, "proponente_cnpj"),
			ProgramaID:     t.Cell(i, "programa_id"),
		}
		rowErrs := false
		if uf, ok := parseUF(t.Cell(i, "estado")); ok {
			p.Estado = uf
		} else {
			errs = append(errs, RowError{Row: row, Field: "estado", Reason: fmt.Sprintf("%q is not a federative unit", t.Cell(i, "estado"))})
			rowErrs = true
		}
		for field, dst := range map[string]**float64{
			"valor_global":        &p.ValorGlobal,
			"valor_repasse":       &p.ValorRepasse,
			"valor_contrapartida": &p.ValorContrapartida,
		} {
			v, err := ParseMoney(t.Cell(i, field))
			if err != nil {
				errs = append(errs, RowError{Row: row, Field: field, Reason: err.Error()})
				rowErrs = true
				continue
			}
			*dst = v
		}
		for field, dst := range map[string]**time.Time{
			"data_publicacao":      &p.DataPublicacao,
			"data_inicio_vigencia": &p.DataInicioVigencia,
			"data_fim_vigencia":    &p.DataFimVigencia,
		} {
			v, err := parseDate(t.Cell(i, field))
			if err != nil {
				errs = append(errs, RowError{Row: row, Field: field, Reason: err.Error()})
				rowErrs = true
				continue
			}
			*dst = v
		}
		if rowErrs {
			continue
		}
		valid = append(valid, p)
	}
	return valid, errs
}

// Programas validates a normalized programs table.
func Programas(t *tabular.Table) ([]entity.Programa, []RowError) {
	var valid []entity.Programa
	var errs []RowError
	for i := range t.Rows {
		id := strings.TrimSpace(t.Cell(i, "transfer_gov_id"))
		if id == "" {
			errs = append(errs, RowError{Row: i + 1, Field: "transfer_gov_id", Reason: "empty source id"})
			continue
		}
		valid = append(valid, entity.Programa{
			TransferGovID:    id,
			Nome:             t.Cell(i, "nome"),
			OrgaoSuperior:    t.Cell(i, "orgao_superior"),
			OrgaoVinculado:   t.Cell(i, "orgao_vinculado"),
			Modalidade:       t.Cell(i, "modalidade"),
			AcaoOrcamentaria: t.Cell(i, "acao_orcamentaria"),
		})
	}
	return valid, errs
}

// Emendas validates a normalized amendments table. The amendment number is
// the natural key.
func Emendas(t *tabular.Table) ([]entity.Emenda, []RowError) {
	var valid []entity.Emenda
	var errs []RowError
	for i := range t.Rows {
		row := i + 1
		numero := strings.TrimSpace(t.Cell(i, "transfer_gov_id"))
		if numero == "" {
			errs = append(errs, RowError{Row: row, Field: "numero", Reason: "empty amendment number"})
			continue
		}
		e := entity.Emenda{
			TransferGovID: numero,
			Numero:        numero,
			Autor:         t.Cell(i, "autor"),
			Tipo:          t.Cell(i, "tipo"),
		}
		rowErrs := false
		valor, err := ParseMoney(t.Cell(i, "valor"))
		if err != nil {
			errs = append(errs, RowError{Row: row, Field: "valor", Reason: err.Error()})
			rowErrs = true
		}
		e.Valor = valor
		ano, err := ParseYear(t.Cell(i, "ano"))
		if err != nil {
			errs = append(errs, RowError{Row: row, Field: "ano", Reason: err.Error()})
			rowErrs = true
		}
		e.Ano = ano
		if rowErrs {
			continue
		}
		valid = append(valid, e)
	}
	return valid, errs
}

// parseUF normalizes a federative unit code. Empty is allowed and maps to
// the empty string (stored as null).
func parseUF(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", true
	}
	if federativeUnits[s] {
		return s, true
	}
	return "", false
}

// ParseMoney parses a Brazilian or anglophone decimal. Both "1.234,56" and
// "1,234.56" resolve to 1234.56; negatives are rejected. Empty → nil.
func ParseMoney(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma > lastDot:
		// Comma is the decimal separator; dots are thousands.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case lastDot > lastComma:
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a monetary amount")
	}
	if v < 0 {
		return nil, fmt.Errorf("negative monetary amount")
	}
	return &v, nil
}

// dateLayouts, tried in order. The portal mixes Brazilian and ISO dates.
var dateLayouts = []string{"02/01/2006", "2006-01-02", "02/01/2006 15:04:05", "2006-01-02 15:04:05", time.RFC3339}

// parseDate parses a date tolerantly. Empty → nil. The time component, when
// present, is discarded; dates are stored at day precision in UTC.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			d := time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
			return &d, nil
		}
	}
	return nil, fmt.Errorf("unparseable date %q", s)
}

// ParseYear accepts a four-digit year within [2000, 2100]. Empty → nil.
func ParseYear(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 2000 || v > 2100 {
		return nil, fmt.Errorf("year %q out of range", s)
	}
	return &v, nil
}
