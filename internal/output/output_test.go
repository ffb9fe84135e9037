package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"", JSON, true},
		{"JSON", JSON, true},
		{"yml", YAML, true},
		{"toml", TOML, true},
		{"xml", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, JSON, map[string]any{"id": 1}))
	assert.JSONEq(t, `{"id":1}`, buf.String())
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, YAML, []map[string]any{{"name": "ada"}}))
	assert.Equal(t, "- name: ada\n", buf.String())
}

func TestWriteTOMLWrapsLists(t *testing.T) {
	var buf bytes.Buffer
	recs := []map[string]any{{"name": "ada", "email": nil}, {"name": "grace"}}
	require.NoError(t, Write(&buf, TOML, recs))

	var back struct {
		Items []map[string]any `toml:"items"`
	}
	require.NoError(t, Decode(buf.Bytes(), TOML, &back))
	require.Len(t, back.Items, 2)
	assert.Equal(t, "ada", back.Items[0]["name"])
	assert.NotContains(t, back.Items[0], "email")
}

func TestDecode(t *testing.T) {
	for _, f := range Formats {
		t.Run(string(f), func(t *testing.T) {
			var src []byte
			switch f {
			case JSON:
				src = []byte(`{"name":"ada"}`)
			case YAML:
				src = []byte("name: ada\n")
			case TOML:
				src = []byte(`name = "ada"`)
			}
			var out map[string]any
			require.NoError(t, Decode(src, f, &out))
			assert.Equal(t, "ada", out["name"])
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, YAML, FormatFromPath("user.yml"))
	assert.Equal(t, TOML, FormatFromPath("user.toml"))
	assert.Equal(t, JSON, FormatFromPath("user.json"))
	assert.Equal(t, JSON, FormatFromPath("-"))
}
