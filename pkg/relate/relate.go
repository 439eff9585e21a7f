// Package relate converts the apoiadores_emendas link file into distinct
// supporter and amendment records plus the junction rows tying them to
// proposals. The link file is relationship-shaped: one row per
// (proposal, amendment, supporter, program) association, with every side
// optional except the proposal.
package relate

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/tabular"
	"github.com/quintadata/transfergov/pkg/validate"
)

// Extraction is everything one link file contributes to the run. Partial
// rows contribute what they can; rows with no proposal id contribute
// nothing and are counted in SkippedRows.
type Extraction struct {
	Apoiadores         []entity.Apoiador
	Emendas            []entity.Emenda
	PropostaApoiadores []entity.PropostaApoiador
	PropostaEmendas    []entity.PropostaEmenda
	// ProgramaLinks maps proposal ids to the program id observed alongside
	// them. The loader applies these only where the proposal's program
	// reference is still null.
	ProgramaLinks map[string]string
	Errors        []validate.RowError
	SkippedRows   int
}

// SupporterKey derives the stable natural key for a parliamentarian: the
// first 16 hex characters of the SHA-256 of the trimmed name. The source
// has no id for supporters, so the key must be a function of the name to
// stay identical across runs.
func SupporterKey(nome string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(nome)))
	return hex.EncodeToString(sum[:])[:16]
}

// Extract walks a normalized link table and produces the distinct entities
// and junction rows. Dedup keys: supporter by derived key, amendment by
// number, junctions by their natural pair. First observation wins for
// entity attributes.
func Extract(t *tabular.Table, logger *slog.Logger) *Extraction {
	if logger == nil {
		logger = slog.Default()
	}
	out := &Extraction{ProgramaLinks: make(map[string]string)}

	seenApoiador := make(map[string]bool)
	seenEmenda := make(map[string]bool)
	seenPA := make(map[[2]string]bool)
	seenPE := make(map[[2]string]bool)

	for i := range t.Rows {
		row := i + 1
		propostaID := strings.TrimSpace(t.Cell(i, "proposta_id"))
		nome := strings.TrimSpace(t.Cell(i, "nome_apoiador"))
		numero := strings.TrimSpace(t.Cell(i, "numero_emenda"))
		programaID := strings.TrimSpace(t.Cell(i, "programa_id"))

		if propostaID == "" {
			out.SkippedRows++
			logger.Debug("link row without proposal id skipped", "row", row)
			continue
		}
		if nome == "" && numero == "" {
			// The row links the proposal to nothing; it can still carry a
			// program hint, which is worth keeping.
			if programaID == "" {
				out.Errors = append(out.Errors, validate.RowError{
					Row: row, Field: "nome_apoiador", Reason: "link row carries neither supporter nor amendment",
				})
				continue
			}
		}

		if nome != "" {
			key := SupporterKey(nome)
			if !seenApoiador[key] {
				seenApoiador[key] = true
				out.Apoiadores = append(out.Apoiadores, entity.Apoiador{
					TransferGovID: key,
					Nome:          nome,
					Tipo:          "parlamentar",
					Orgao:         strings.TrimSpace(t.Cell(i, "orgao_apoiador")),
				})
			}
			pair := [2]string{propostaID, key}
			if !seenPA[pair] {
				seenPA[pair] = true
				out.PropostaApoiadores = append(out.PropostaApoiadores, entity.PropostaApoiador{
					PropostaTransferGovID: propostaID,
					ApoiadorTransferGovID: key,
				})
			}
		}

		if numero != "" {
			if !seenEmenda[numero] {
				seenEmenda[numero] = true
				e := entity.Emenda{
					TransferGovID: numero,
					Numero:        numero,
					Autor:         strings.TrimSpace(t.Cell(i, "autor_emenda")),
					Tipo:          strings.TrimSpace(t.Cell(i, "tipo_emenda")),
				}
				if v, err := validate.ParseMoney(t.Cell(i, "valor_emenda")); err == nil {
					e.Valor = v
				} else {
					out.Errors = append(out.Errors, validate.RowError{Row: row, Field: "valor_emenda", Reason: err.Error()})
				}
				if ano, err := validate.ParseYear(t.Cell(i, "ano_emenda")); err == nil {
					e.Ano = ano
				} else {
					out.Errors = append(out.Errors, validate.RowError{Row: row, Field: "ano_emenda", Reason: err.Error()})
				}
				out.Emendas = append(out.Emendas, e)
			}
			pair := [2]string{propostaID, numero}
			if !seenPE[pair] {
				seenPE[pair] = true
				out.PropostaEmendas = append(out.PropostaEmendas, entity.PropostaEmenda{
					PropostaTransferGovID: propostaID,
					EmendaTransferGovID:   numero,
				})
			}
		}

		if programaID != "" {
			if _, ok := out.ProgramaLinks[propostaID]; !ok {
				out.ProgramaLinks[propostaID] = programaID
			}
		}
	}
	return out
}
