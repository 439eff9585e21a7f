// Package proponent builds the proponent dimension from the proposals
// table: CNPJ normalization with check-digit verification, OSC
// classification from the natureza jurídica code, and deduplication by
// CNPJ. Proposals with an invalid CNPJ still load, with a null proponent
// reference.
package proponent

import (
	"strings"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/tabular"
)

// check-digit weights for the two CNPJ verification digits.
var (
	cnpjWeights1 = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjWeights2 = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// NormalizeCNPJ strips formatting, left-pads to 14 digits and verifies the
// check digits. The second return is false for all-zeros, wrong length
// after padding, or a check-digit failure.
func NormalizeCNPJ(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" || len(digits) > 14 {
		return "", false
	}
	digits = strings.Repeat("0", 14-len(digits)) + digits
	if digits == strings.Repeat("0", 14) {
		return "", false
	}
	if !checkDigitsValid(digits) {
		return "", false
	}
	return digits, true
}

// checkDigitsValid runs the mod-11 test over both verification digits.
func checkDigitsValid(digits string) bool {
	d := make([]int, 14)
	for i, r := range digits {
		d[i] = int(r - '0')
	}
	return d[12] == checkDigit(d[:12], cnpjWeights1) &&
		d[13] == checkDigit(d[:13], cnpjWeights2)
}

func checkDigit(d []int, weights []int) int {
	sum := 0
	for i, v := range d {
		sum += v * weights[i]
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}

// IsOSC classifies a natureza jurídica code (`NNN-N`, sometimes without
// the check-digit suffix) as a civil-society organization. The IBGE CONCLA
// non-profit range starts with 3; codes starting with 1 are government
// entities and excluded. Unknown or empty codes default to false.
func IsOSC(naturezaJuridica string) bool {
	code := strings.TrimSpace(naturezaJuridica)
	if code == "" {
		return false
	}
	return code[0] == '3'
}

// Build deduplicates proponents by normalized CNPJ from the proposals and
// writes the normalized CNPJ back onto each proposal. The first record
// with a CNPJ wins; later records only fill attributes the kept one
// lacks. Proposals with a rejected CNPJ get an empty ProponenteCNPJ.
//
// The proposals table carries the proponent attributes inline, so the
// builder reads them from extra columns the validator passed through.
func Build(propostas []entity.Proposta, attrs map[string]Attributes) []entity.Proponente {
	byCNPJ := make(map[string]*entity.Proponente)
	var order []string

	for i := range propostas {
		p := &propostas[i]
		cnpj, ok := NormalizeCNPJ(p.ProponenteCNPJ)
		if !ok {
			p.ProponenteCNPJ = ""
			continue
		}
		p.ProponenteCNPJ = cnpj

		a := attrs[p.TransferGovID]
		if existing, seen := byCNPJ[cnpj]; seen {
			fillMissing(existing, p, a)
			continue
		}
		byCNPJ[cnpj] = &entity.Proponente{
			CNPJ:             cnpj,
			Nome:             p.Proponente,
			NaturezaJuridica: a.NaturezaJuridica,
			IsOSC:            IsOSC(a.NaturezaJuridica),
			Estado:           p.Estado,
			Municipio:        p.Municipio,
			CEP:              a.CEP,
			Endereco:         a.Endereco,
			Bairro:           a.Bairro,
		}
		order = append(order, cnpj)
	}

	out := make([]entity.Proponente, 0, len(order))
	for _, cnpj := range order {
		out = append(out, *byCNPJ[cnpj])
	}
	return out
}

// Attributes are the proponent columns that ride on the proposals file but
// do not belong to the Proposta record itself.
type Attributes struct {
	NaturezaJuridica string
	CEP              string
	Endereco         string
	Bairro           string
}

// AttributesFromTable collects the proponent side columns of a normalized
// proposals table, keyed by the proposal's source id.
func AttributesFromTable(t *tabular.Table) map[string]Attributes {
	out := make(map[string]Attributes, t.NumRows())
	for i := range t.Rows {
		id := strings.TrimSpace(t.Cell(i, "transfer_gov_id"))
		if id == "" {
			continue
		}
		out[id] = Attributes{
			NaturezaJuridica: strings.TrimSpace(t.Cell(i, "natureza_juridica")),
			CEP:              strings.TrimSpace(t.Cell(i, "cep")),
			Endereco:         strings.TrimSpace(t.Cell(i, "endereco")),
			Bairro:           strings.TrimSpace(t.Cell(i, "bairro")),
		}
	}
	return out
}

// fillMissing copies attributes from a later observation into gaps of the
// kept record. IsOSC is recomputed if the natureza was filled in.
func fillMissing(kept *entity.Proponente, p *entity.Proposta, a Attributes) {
	if kept.Nome == "" {
		kept.Nome = p.Proponente
	}
	if kept.Estado == "" {
		kept.Estado = p.Estado
	}
	if kept.Municipio == "" {
		kept.Municipio = p.Municipio
	}
	if kept.NaturezaJuridica == "" && a.NaturezaJuridica != "" {
		kept.NaturezaJuridica = a.NaturezaJuridica
		kept.IsOSC = IsOSC(a.NaturezaJuridica)
	}
	if kept.CEP == "" {
		kept.CEP = a.CEP
	}
	if kept.Endereco == "" {
		kept.Endereco = a.Endereco
	}
	if kept.Bairro == "" {
		kept.Bairro = a.Bairro
	}
}
