package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

var crm = spec.Source{
	Name:       "crm",
	PrimaryKey: "id",
	Attributes: map[string]string{"email": "Email", "age": "Age"},
}

func isAge(attr string) bool { return attr == "age" }

func TestLoadCSVRecords(t *testing.T) {
	input := "ID,EMAIL,age,City\n1,a@x.com,41,NYC\n2,,n/a,\n,orphan@x.com,3,LA\n"
	records, err := LoadCSVRecords(context.Background(), strings.NewReader(input), crm, isAge)
	require.NoError(t, err)
	require.Len(t, records, 2, "row without primary key is skipped")

	r := records[0]
	assert.Equal(t, "crm:1", r.ID)
	assert.Equal(t, "1", r.SourceID)
	assert.Equal(t, model.String("a@x.com"), r.Get("email"), "mapped columns match case-insensitively")
	assert.Equal(t, model.Number(41), r.Get("age"))
	assert.Equal(t, model.String("NYC"), r.Get("City"), "unmapped columns keep their name")

	r = records[1]
	assert.True(t, r.Has("email"))
	assert.True(t, r.Get("email").IsNull(), "empty cells are null")
	assert.Equal(t, model.String("n/a"), r.Get("age"), "unparseable numbers stay text")
}

func TestLoadCSVRecords_MissingColumns(t *testing.T) {
	_, err := LoadCSVRecords(context.Background(), strings.NewReader("key,Email\n1,a\n"), crm, nil)
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
	assert.Contains(t, err.Error(), `primary key column "id"`)
	assert.Contains(t, err.Error(), `column "Age"`)

	_, err = LoadCSVRecords(context.Background(), strings.NewReader(""), crm, nil)
	assert.ErrorContains(t, err, "missing header row")
}

func TestLoadJSONRecords(t *testing.T) {
	input := `[
		{"id": 7, "Email": "b@x.com", "age": "33", "tags": ["a", "b"]},
		{"id": "8", "email": null, "age": 19},
		{"email": "nobody@x.com"}
	]`
	records, err := LoadJSONRecords(context.Background(), strings.NewReader(input), crm, isAge)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "crm:7", records[0].ID)
	assert.Equal(t, model.String("b@x.com"), records[0].Get("email"))
	assert.Equal(t, model.Number(33), records[0].Get("age"))
	assert.True(t, records[0].Get("tags").Equal(model.List(model.String("a"), model.String("b"))))

	assert.Equal(t, "crm:8", records[1].ID)
	assert.True(t, records[1].Get("email").IsNull())
	assert.Equal(t, model.Number(19), records[1].Get("age"))
}

func TestLoader_LocalFormats(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "crm.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,Email,Age\n1,a@x,30\n"), 0o644))
	jsonPath := filepath.Join(dir, "crm.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id":1,"Email":"a@x","Age":30}]`), 0o644))
	jsonlPath := filepath.Join(dir, "crm.jsonl")
	require.NoError(t, os.WriteFile(jsonlPath, []byte("{\"id\":1,\"Email\":\"a@x\",\"Age\":30}\n"), 0o644))
	xlsxPath := createTestXLSX(t, map[string][][]string{"Sheet1": {{"id", "Email", "Age"}, {"1", "a@x", "30"}}})

	l := &Loader{Numeric: isAge}
	for _, path := range []string{csvPath, jsonPath, jsonlPath, xlsxPath} {
		records, err := l.Load(context.Background(), crm, path)
		require.NoError(t, err, path)
		require.Len(t, records, 1, path)
		assert.Equal(t, "crm:1", records[0].ID, path)
		assert.Equal(t, model.String("a@x"), records[0].Get("email"), path)
		assert.Equal(t, model.Number(30), records[0].Get("age"), path)
	}

	_, err := l.Load(context.Background(), crm, filepath.Join(dir, "crm.parquet"))
	assert.ErrorContains(t, err, "unsupported file type")
	_, err = l.Load(context.Background(), crm, filepath.Join(dir, "missing.csv"))
	assert.ErrorContains(t, err, "fetcher: open")
}

func TestLoadXLSXRecords_NamedSheet(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Contacts": {{"id", "Email", "Age"}, {"4", "d@x", "22"}, {"", "", ""}},
	})
	src := crm
	src.Sheet = "Contacts"
	records, err := LoadXLSXRecords(context.Background(), path, src, isAge)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "crm:4", records[0].ID)

	src.Sheet = "Accounts"
	_, err = LoadXLSXRecords(context.Background(), path, src, isAge)
	assert.ErrorContains(t, err, `sheet "Accounts" not found`)
}

func TestLoader_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exports/crm.csv", r.URL.Path)
		_, _ = w.Write([]byte("id,Email,Age\n9,z@x,50\n"))
	}))
	defer srv.Close()

	l := &Loader{HTTP: newTestFetcher(1), Numeric: isAge}
	records, err := l.Load(context.Background(), crm, srv.URL+"/exports/crm.csv?token=abc")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "crm:9", records[0].ID)
}

func TestMapper_DefaultPrimaryKey(t *testing.T) {
	m := NewMapper(spec.Source{Name: "app"}, nil)
	require.NoError(t, m.SetHeader([]string{"Id", "name"}))
	r, ok := m.Row([]string{" 5 ", "Ann"})
	require.True(t, ok)
	assert.Equal(t, "app:5", r.ID)
	_, ok = m.Row([]string{""})
	assert.False(t, ok)
	assert.Equal(t, 1, m.Skipped())
}
