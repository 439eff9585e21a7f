// Package schema canonicalizes the messy column headers of Transfer Gov
// exports and maps them onto the model field names. Header spelling varies
// between exports (case, accents, separators), so matching happens on a
// canonical form and a per-entity alias table.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/quintadata/transfergov/pkg/entity"
	"github.com/quintadata/transfergov/pkg/tabular"
)

// SchemaValidationError reports required model fields the file does not
// provide under any recognized header. The whole file is quarantined; the
// run continues with the remaining files.
type SchemaValidationError struct {
	Kind    entity.Kind
	Missing []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema: %s file missing required columns: %s",
		e.Kind, strings.Join(e.Missing, ", "))
}

// stripMarks removes Unicode combining marks after NFD decomposition, so
// "Proposição" canonicalizes the same as "Proposicao".
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canon converts a source header to canonical form: lowercase, accents
// stripped, every run of non-alphanumeric characters collapsed to a single
// underscore, outer underscores trimmed. Idempotent.
func Canon(header string) string {
	header = strings.TrimPrefix(header, "\uFEFF")
	header = strings.ToLower(header)
	if stripped, _, err := transform.String(stripMarks, header); err == nil {
		header = stripped
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range header {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// aliases maps a model field to the canonical forms of every source header
// observed to carry it. Keys on the right are already in Canon form.
var aliases = map[entity.Kind]map[string][]string{
	entity.KindProposta: {
		"transfer_gov_id":      {"id_proposta", "id_propostas", "codigo_proposta", "nr_proposta"},
		"titulo":               {"titulo", "objeto", "objeto_proposta", "nome_proposta"},
		"valor_global":         {"valor_global", "vl_global_prop", "valor_global_proposta"},
		"valor_repasse":        {"valor_repasse", "vl_repasse_prop", "valor_repasse_proposta"},
		"valor_contrapartida":  {"valor_contrapartida", "vl_contrapartida_prop"},
		"data_publicacao":      {"data_publicacao", "dt_publicacao", "data_proposta", "dt_prop_assinatura"},
		"data_inicio_vigencia": {"data_inicio_vigencia", "dt_inicio_vigencia"},
		"data_fim_vigencia":    {"data_fim_vigencia", "dt_fim_vigencia"},
		"situacao":             {"situacao", "situacao_proposta", "sit_proposta"},
		"estado":               {"estado", "uf", "uf_proponente", "sigla_uf"},
		"municipio":            {"municipio", "municipio_proponente", "nome_municipio"},
		"proponente":           {"proponente", "nome_proponente"},
		"proponente_cnpj":      {"cnpj", "cnpj_proponente", "nr_cnpj", "identif_proponente", "identificacao_proponente"},
		"natureza_juridica":    {"natureza_juridica", "cod_natureza_juridica", "natureza_juridica_proponente"},
		"cep":                  {"cep", "cep_proponente"},
		"endereco":             {"endereco", "endereco_proponente", "logradouro"},
		"bairro":               {"bairro", "bairro_proponente"},
		"programa_id":          {"id_programa", "codigo_programa", "cod_programa"},
	},
	entity.KindPrograma: {
		"transfer_gov_id":   {"id_programa", "codigo_programa", "cod_programa"},
		"nome":              {"nome_programa", "nome", "titulo_programa"},
		"orgao_superior":    {"orgao_superior", "desc_orgao_sup_programa", "nome_orgao_superior"},
		"orgao_vinculado":   {"orgao_vinculado", "nome_orgao_vinculado"},
		"modalidade":        {"modalidade", "modalidade_programa"},
		"acao_orcamentaria": {"acao_orcamentaria", "cod_acao_orcamentaria"},
	},
	// The link file: one row per proposal/supporter/amendment association.
	// The portal's export suffixes every column with the file name, so each
	// field also carries its _apoiadores_emendas variant.
	entity.KindApoiador: {
		"proposta_id":    {"id_proposta", "codigo_proposta", "id_cnpj_programa_emenda_apoiadores_emendas"},
		"nome_apoiador":  {"nome_parlamentar", "apoiador", "nome_apoiador", "nome_parlamentar_apoiadores_emendas"},
		"orgao_apoiador": {"orgao", "partido", "uf_parlamentar", "nome_proponente_apoiadores_emendas"},
		"numero_emenda":  {"numero_emenda", "nr_emenda", "emenda", "numero_emenda_apoiadores_emendas"},
		"autor_emenda":   {"autor_emenda", "autor", "nome_autor"},
		"valor_emenda":   {"valor_emenda", "vl_emenda", "valor_repasse_emenda", "valor_repasse_proposta_apoiadores_emendas"},
		"tipo_emenda":    {"tipo_emenda", "tipo_parlamentar", "indicacao_apoiadores_emendas"},
		"ano_emenda":     {"ano_emenda", "ano", "ano_emenda_parlamentar"},
		"programa_id":    {"id_programa", "codigo_programa", "cod_programa"},
	},
	entity.KindEmenda: {
		"transfer_gov_id": {"numero_emenda", "nr_emenda", "emenda", "id_emenda"},
		"autor":           {"autor_emenda", "autor", "nome_autor"},
		"valor":           {"valor_emenda", "vl_emenda", "valor"},
		"tipo":            {"tipo_emenda", "tipo"},
		"ano":             {"ano_emenda", "ano"},
	},
}

// required model fields per entity kind. A file that cannot produce these
// is unusable and quarantined.
var required = map[entity.Kind][]string{
	entity.KindProposta: {"transfer_gov_id"},
	entity.KindPrograma: {"transfer_gov_id"},
	entity.KindApoiador: {"proposta_id"},
	entity.KindEmenda:   {"transfer_gov_id"},
}

// fieldFor resolves a canonical header to the model field it carries, or
// returns the canonical header unchanged when no alias matches. Unknown
// columns pass through; the validator ignores what it does not know.
func fieldFor(kind entity.Kind, canonical string) string {
	for field, names := range aliases[kind] {
		for _, name := range names {
			if name == canonical {
				return field
			}
		}
	}
	return canonical
}

// Normalize renames t's headers to model field names and verifies the
// required set for kind. The input table is not modified. Duplicate headers
// after canonicalization keep the first occurrence; later duplicates are
// renamed out of the way with a positional suffix.
func Normalize(t *tabular.Table, kind entity.Kind) (*tabular.Table, error) {
	out := &tabular.Table{
		Headers:    make([]string, len(t.Headers)),
		Rows:       t.Rows,
		SourceFile: t.SourceFile,
	}
	seen := make(map[string]bool, len(t.Headers))
	for i, h := range t.Headers {
		field := fieldFor(kind, Canon(h))
		if seen[field] {
			field = fmt.Sprintf("%s_%d", field, i)
		}
		seen[field] = true
		out.Headers[i] = field
	}

	var missing []string
	for _, field := range required[kind] {
		if !seen[field] {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &SchemaValidationError{Kind: kind, Missing: missing}
	}
	return out, nil
}
