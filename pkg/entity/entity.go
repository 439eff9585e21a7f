// Package entity defines the typed records that flow between pipeline
// stages: the four Transfer Gov entities, the proponent dimension derived
// from proposals, and the junction rows extracted from the relationship
// file. Field names mirror the Portuguese column names of the source
// platform; JSON tags match the persisted column names so that lineage
// hashing sees the same shape the store does.
package entity

import "time"

// Kind identifies an entity family. Values are singular and are the ones
// recorded in data_lineage.entity_type.
type Kind string

const (
	KindPrograma   Kind = "programa"
	KindProposta   Kind = "proposta"
	KindApoiador   Kind = "apoiador"
	KindEmenda     Kind = "emenda"
	KindProponente Kind = "proponente"
)

// Table returns the table that records of this kind load into.
func (k Kind) Table() string {
	switch k {
	case KindPrograma:
		return "programas"
	case KindProposta:
		return "propostas"
	case KindApoiador:
		return "apoiadores"
	case KindEmenda:
		return "emendas"
	case KindProponente:
		return "proponentes"
	}
	return string(k)
}

// Programa is a federal transfer program.
type Programa struct {
	TransferGovID    string `json:"transfer_gov_id"`
	Nome             string `json:"nome"`
	OrgaoSuperior    string `json:"orgao_superior"`
	OrgaoVinculado   string `json:"orgao_vinculado"`
	Modalidade       string `json:"modalidade"`
	AcaoOrcamentaria string `json:"acao_orcamentaria"`
}

// Proposta is a transfer proposal, the fact entity of the model. Optional
// numerics and dates are pointers; nil means the source cell was absent.
// ProgramaID and ProponenteCNPJ are soft references resolved by the loader,
// never database-enforced foreign keys.
type Proposta struct {
	TransferGovID      string     `json:"transfer_gov_id"`
	Titulo             string     `json:"titulo"`
	ValorGlobal        *float64   `json:"valor_global"`
	ValorRepasse       *float64   `json:"valor_repasse"`
	ValorContrapartida *float64   `json:"valor_contrapartida"`
	DataPublicacao     *time.Time `json:"data_publicacao"`
	DataInicioVigencia *time.Time `json:"data_inicio_vigencia"`
	DataFimVigencia    *time.Time `json:"data_fim_vigencia"`
	Situacao           string     `json:"situacao"`
	Estado             string     `json:"estado"`
	Municipio          string     `json:"municipio"`
	Proponente         string     `json:"proponente"`
	ProponenteCNPJ     string     `json:"proponente_cnpj"`
	ProgramaID         string     `json:"programa_id"`
}

// Apoiador is a parliamentarian supporting one or more proposals. The
// natural key is derived from the name (the source has no stable id for
// supporters), so it is identical across runs for the same name.
type Apoiador struct {
	TransferGovID string `json:"transfer_gov_id"`
	Nome          string `json:"nome"`
	Tipo          string `json:"tipo"`
	Orgao         string `json:"orgao"`
}

// Emenda is a budget amendment. The amendment number is unique in the
// source, so TransferGovID carries the same value as Numero.
type Emenda struct {
	TransferGovID string   `json:"transfer_gov_id"`
	Numero        string   `json:"numero"`
	Autor         string   `json:"autor"`
	Valor         *float64 `json:"valor"`
	Tipo          string   `json:"tipo"`
	Ano           *int     `json:"ano"`
}

// Proponente is the deduplicated proposer dimension, keyed by normalized
// CNPJ. The aggregate columns (total_propostas, total_emendas,
// valor_total_emendas) are recomputed in-store after every load and are
// deliberately not part of this struct.
type Proponente struct {
	CNPJ             string `json:"cnpj"`
	Nome             string `json:"nome"`
	NaturezaJuridica string `json:"natureza_juridica"`
	IsOSC            bool   `json:"is_osc"`
	Estado           string `json:"estado"`
	Municipio        string `json:"municipio"`
	CEP              string `json:"cep"`
	Endereco         string `json:"endereco"`
	Bairro           string `json:"bairro"`
}

// PropostaApoiador links a proposal to a supporter. The pair is the
// compound unique key.
type PropostaApoiador struct {
	PropostaTransferGovID string `json:"proposta_transfer_gov_id"`
	ApoiadorTransferGovID string `json:"apoiador_transfer_gov_id"`
}

// PropostaEmenda links a proposal to an amendment.
type PropostaEmenda struct {
	PropostaTransferGovID string `json:"proposta_transfer_gov_id"`
	EmendaTransferGovID   string `json:"emenda_transfer_gov_id"`
}

// Batch accumulates everything one run extracted, shaped the way the
// loader consumes it. ProgramaLinks maps proposal natural keys to program
// natural keys discovered in the relationship file; the loader applies
// them only where the proposal's program reference is still null.
type Batch struct {
	Programas          []Programa
	Propostas          []Proposta
	Apoiadores         []Apoiador
	Emendas            []Emenda
	Proponentes        []Proponente
	PropostaApoiadores []PropostaApoiador
	PropostaEmendas    []PropostaEmenda
	ProgramaLinks      map[string]string
}

// NewBatch returns an empty batch ready to accumulate.
func NewBatch() *Batch {
	return &Batch{ProgramaLinks: make(map[string]string)}
}

// Total counts every entity and junction row in the batch.
func (b *Batch) Total() int {
	return len(b.Programas) + len(b.Propostas) + len(b.Apoiadores) +
		len(b.Emendas) + len(b.Proponentes) +
		len(b.PropostaApoiadores) + len(b.PropostaEmendas)
}
