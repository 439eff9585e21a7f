package encoding

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]Encoding{
		"utf-8":        UTF8,
		"UTF-8":        UTF8,
		"ascii":        UTF8,
		"us-ascii":     UTF8,
		"windows-1252": Windows1252,
		"Windows-1252": Windows1252,
		"cp1252":       Windows1252,
		"cp1250":       Windows1252,
		"windows-1250": Windows1252,
		"ISO-8859-1":   Windows1252,
		"ISO-8859-15":  Windows1252,
		"latin-1":      Windows1252,
		"latin1":       Windows1252,
		"":             UTF8,
		"shift_jis":    UTF8,
		"big5":         UTF8,
	}
	for name, want := range cases {
		assert.Equal(t, want, NormalizeName(name), "charset %q", name)
	}
}

func TestDetectUTF8(t *testing.T) {
	enc, conf := Detect([]byte("ID_PROPOSTA;NOME_PROPONENTE\n123;Associação São Mateus\n"))
	assert.Equal(t, UTF8, enc)
	assert.Greater(t, conf, 0.9)
}

func TestDetectUTF8BOM(t *testing.T) {
	sample := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id;nome\n")...)
	enc, conf := Detect(sample)
	assert.Equal(t, UTF8, enc)
	assert.Equal(t, 1.0, conf)
}

func TestDetectWindows1252(t *testing.T) {
	// Portuguese body text in Windows-1252: ç is 0xE7 and ã is 0xE3,
	// each followed by ASCII bytes, which is invalid UTF-8.
	var sample bytes.Buffer
	for i := 0; i < 80; i++ {
		sample.WriteString("proposta de constru\xE7\xE3o de escola no munic\xEDpio de s\xE3o jo\xE3o da barra para a uni\xE3o;\n")
	}
	enc, _ := Detect(sample.Bytes())
	assert.Equal(t, Windows1252, enc)
}

func TestDetectEmpty(t *testing.T) {
	enc, conf := Detect(nil)
	assert.Equal(t, UTF8, enc)
	assert.Equal(t, 0.0, conf)
}

func TestDetectTruncatedMultibyteTail(t *testing.T) {
	// A sample window that slices "ção" in the middle of the ç rune must
	// still classify as UTF-8.
	full := []byte("situação")
	enc, _ := Detect(full[:len(full)-3])
	assert.Equal(t, UTF8, enc)
}

func TestNewReaderDecodesWindows1252(t *testing.T) {
	raw := "S\xC3O MATEUS;A\xC7\xC3O OR\xC7AMENT\xC1RIA\n"
	got, err := io.ReadAll(NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "SÃO MATEUS;AÇÃO ORÇAMENTÁRIA\n", string(got))
	assert.False(t, strings.ContainsRune(string(got), '�'))
}

func TestNewReaderStripsBOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id;nome\n1;x\n")...)
	got, err := io.ReadAll(NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "id;nome\n1;x\n", string(got))
}

func TestNewReaderPassesUTF8Through(t *testing.T) {
	raw := "id;município\n1;São Paulo\n"
	got, err := io.ReadAll(NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, raw, string(got))
}
