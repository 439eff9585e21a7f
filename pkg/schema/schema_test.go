package schema

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/tabular"
)

func TestCanon(t *testing.T) {
	cases := map[string]string{
		"ID_PROPOSTA":        "id_proposta",
		"Situação":           "situacao",
		"  VL GLOBAL PROP  ": "vl_global_prop",
		"Órgão-Superior":     "orgao_superior",
		"NOME   PROGRAMA":    "nome_programa",
		"\uFEFFID_PROGRAMA":  "id_programa",
		"MUNICÍPIO":          "municipio",
		"__uf__":             "uf",
		"Ano (Emenda)":       "ano_emenda",
		"":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Canon(in), "Canon(%q)", in)
	}
}

func TestCanonIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Canon(Canon(s)) == Canon(s)", prop.ForAll(
		func(s string) bool {
			once := Canon(s)
			return Canon(once) == once
		},
		gen.AnyString(),
	))
	properties.Property("output alphabet is [a-z0-9_]", prop.ForAll(
		func(s string) bool {
			for _, r := range Canon(s) {
				if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestNormalizePropostas(t *testing.T) {
	in := &tabular.Table{
		Headers: []string{"ID_PROPOSTA", "VL_GLOBAL_PROP", "UF_PROPONENTE", "COLUNA_NOVA"},
		Rows:    [][]string{{"1", "100", "SP", "x"}},
	}
	out, err := Normalize(in, entity.KindProposta)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer_gov_id", "valor_global", "estado", "coluna_nova"}, out.Headers)
	// Rows are shared, not copied.
	assert.Equal(t, in.Rows[0], out.Rows[0])
	// Input headers untouched.
	assert.Equal(t, "ID_PROPOSTA", in.Headers[0])
}

func TestNormalizeMissingRequired(t *testing.T) {
	in := &tabular.Table{Headers: []string{"NOME", "UF"}}
	_, err := Normalize(in, entity.KindProposta)
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, entity.KindProposta, sve.Kind)
	assert.Equal(t, []string{"transfer_gov_id"}, sve.Missing)
	assert.Contains(t, sve.Error(), "transfer_gov_id")
}

func TestNormalizeDuplicateHeaders(t *testing.T) {
	in := &tabular.Table{
		Headers: []string{"ID_PROPOSTA", "Id Proposta"},
		Rows:    [][]string{{"1", "dup"}},
	}
	out, err := Normalize(in, entity.KindProposta)
	require.NoError(t, err)
	assert.Equal(t, "transfer_gov_id", out.Headers[0])
	assert.Equal(t, "transfer_gov_id_1", out.Headers[1])
}

func TestNormalizeLinkFile(t *testing.T) {
	in := &tabular.Table{
		Headers: []string{"ID_PROPOSTA", "NOME_PARLAMENTAR", "NUMERO_EMENDA", "ID_PROGRAMA"},
	}
	out, err := Normalize(in, entity.KindApoiador)
	require.NoError(t, err)
	assert.Equal(t, []string{"proposta_id", "nome_apoiador", "numero_emenda", "programa_id"}, out.Headers)
}

func TestNormalizeIdentifProponenteCarriesCNPJ(t *testing.T) {
	// IDENTIF_PROPONENTE is the portal's CNPJ column; NOME_PROPONENTE is
	// the name. They must land in different fields.
	in := &tabular.Table{
		Headers: []string{"ID_PROPOSTA", "IDENTIF_PROPONENTE", "NOME_PROPONENTE"},
		Rows:    [][]string{{"1", "27.167.477/0001-12", "Prefeitura"}},
	}
	out, err := Normalize(in, entity.KindProposta)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer_gov_id", "proponente_cnpj", "proponente"}, out.Headers)
}

func TestNormalizeLinkFileSuffixedHeaders(t *testing.T) {
	in := &tabular.Table{Headers: []string{
		"ID_CNPJ_PROGRAMA_EMENDA_APOIADORES_EMENDAS",
		"NOME_PARLAMENTAR_APOIADORES_EMENDAS",
		"NUMERO_EMENDA_APOIADORES_EMENDAS",
		"INDICACAO_APOIADORES_EMENDAS",
		"NOME_PROPONENTE_APOIADORES_EMENDAS",
		"VALOR_REPASSE_PROPOSTA_APOIADORES_EMENDAS",
		"ID_PROGRAMA",
	}}
	out, err := Normalize(in, entity.KindApoiador)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"proposta_id", "nome_apoiador", "numero_emenda", "tipo_emenda",
		"orgao_apoiador", "valor_emenda", "programa_id",
	}, out.Headers)
}

func TestNormalizeAccentedHeaders(t *testing.T) {
	in := &tabular.Table{Headers: []string{"Código Proposta", "Situação", "Município"}}
	out, err := Normalize(in, entity.KindProposta)
	require.NoError(t, err)
	assert.Equal(t, []string{"transfer_gov_id", "situacao", "municipio"}, out.Headers)
}
