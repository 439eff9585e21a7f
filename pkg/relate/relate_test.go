package relate

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintadata/transfergov/pkg/tabular"
)

func linkTable(rows ...[]string) *tabular.Table {
	return &tabular.Table{
		Headers: []string{"proposta_id", "nome_apoiador", "orgao_apoiador", "numero_emenda", "autor_emenda", "valor_emenda", "ano_emenda", "programa_id"},
		Rows:    rows,
	}
}

func TestSupporterKey(t *testing.T) {
	sum := sha256.Sum256([]byte("Deputado João Silva"))
	want := hex.EncodeToString(sum[:])[:16]
	assert.Equal(t, want, SupporterKey("Deputado João Silva"))
	assert.Len(t, SupporterKey("x"), 16)
	// Stable under surrounding whitespace.
	assert.Equal(t, SupporterKey("Ana"), SupporterKey("  Ana  "))
	// Distinct names yield distinct keys.
	assert.NotEqual(t, SupporterKey("Ana"), SupporterKey("Bia"))
}

func TestExtractDistinctEntitiesAndJunctions(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"P1", "Dep. Silva", "PSD", "E1", "Dep. Silva", "1000,50", "2025", "PR9"},
		[]string{"P1", "Dep. Silva", "PSD", "E2", "Dep. Souza", "2000", "2025", "PR9"},
		[]string{"P2", "Dep. Silva", "PSD", "E1", "Dep. Silva", "1000,50", "2025", ""},
		[]string{"P2", "Sen. Costa", "MDB", "", "", "", "", ""},
	), nil)

	require.Len(t, ex.Apoiadores, 2)
	assert.Equal(t, "Dep. Silva", ex.Apoiadores[0].Nome)
	assert.Equal(t, SupporterKey("Dep. Silva"), ex.Apoiadores[0].TransferGovID)
	assert.Equal(t, "parlamentar", ex.Apoiadores[0].Tipo)

	require.Len(t, ex.Emendas, 2)
	assert.Equal(t, "E1", ex.Emendas[0].Numero)
	require.NotNil(t, ex.Emendas[0].Valor)
	assert.InDelta(t, 1000.50, *ex.Emendas[0].Valor, 0.001)
	require.NotNil(t, ex.Emendas[0].Ano)
	assert.Equal(t, 2025, *ex.Emendas[0].Ano)

	assert.Len(t, ex.PropostaApoiadores, 3) // P1-Silva, P2-Silva, P2-Costa
	assert.Len(t, ex.PropostaEmendas, 3)    // P1-E1, P1-E2, P2-E1
	assert.Empty(t, ex.Errors)
	assert.Zero(t, ex.SkippedRows)
}

func TestExtractJunctionDedup(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"P1", "Dep. Silva", "", "E1", "", "", "", ""},
		[]string{"P1", "Dep. Silva", "", "E1", "", "", "", ""},
	), nil)
	assert.Len(t, ex.PropostaApoiadores, 1)
	assert.Len(t, ex.PropostaEmendas, 1)
	assert.Len(t, ex.Apoiadores, 1)
	assert.Len(t, ex.Emendas, 1)
}

func TestExtractFirstObservationWins(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"P1", "", "", "E1", "Autor A", "100", "2024", ""},
		[]string{"P2", "", "", "E1", "Autor B", "999", "2025", ""},
	), nil)
	require.Len(t, ex.Emendas, 1)
	assert.Equal(t, "Autor A", ex.Emendas[0].Autor)
	require.NotNil(t, ex.Emendas[0].Valor)
	assert.InDelta(t, 100.0, *ex.Emendas[0].Valor, 0.001)
}

func TestExtractMissingProposalSkipped(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"", "Dep. Silva", "", "E1", "", "", "", ""},
		[]string{"P1", "Dep. Silva", "", "", "", "", "", ""},
	), nil)
	assert.Equal(t, 1, ex.SkippedRows)
	assert.Len(t, ex.Apoiadores, 1)
	assert.Len(t, ex.PropostaApoiadores, 1)
}

func TestExtractRowWithNeitherSide(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"P1", "", "", "", "", "", "", ""},
	), nil)
	require.Len(t, ex.Errors, 1)
	assert.Equal(t, 1, ex.Errors[0].Row)
	assert.Empty(t, ex.Apoiadores)
	assert.Empty(t, ex.PropostaApoiadores)
}

func TestExtractProgramaLinks(t *testing.T) {
	ex := Extract(linkTable(
		[]string{"P1", "Dep. Silva", "", "", "", "", "", "PR1"},
		[]string{"P1", "Dep. Souza", "", "", "", "", "", "PR2"},
		[]string{"P2", "", "", "", "", "", "", "PR3"},
	), nil)
	// First observed program id wins per proposal; a bare program hint row
	// still contributes its link.
	assert.Equal(t, map[string]string{"P1": "PR1", "P2": "PR3"}, ex.ProgramaLinks)
	assert.Empty(t, ex.Errors)
}
