package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Title:   "Orphan children",
		Headers: []string{"child_id", "child_name"},
		Rows: []map[string]string{
			{"child_id": "c1", "child_name": "Léa Martin"},
			{"child_id": "c2"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)
	assert.Equal(t, "child_id,child_name\nc1,Léa Martin\nc2,\n", string(out))
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	require.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	out, err := NewPDFExporter().Render(sampleDataset())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestForFormat(t *testing.T) {
	exp, ok := ForFormat("pdf")
	require.True(t, ok)
	assert.Equal(t, "application/pdf", exp.ContentType())

	exp, ok = ForFormat("")
	require.True(t, ok)
	assert.Equal(t, "csv", exp.Extension())

	_, ok = ForFormat("xlsx")
	assert.False(t, ok)
}
