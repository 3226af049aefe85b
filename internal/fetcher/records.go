package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/spec"
)

// DefaultPrimaryKey is the column used when a source declares none.
const DefaultPrimaryKey = "id"

// Mapper turns raw source rows into normalized records. Mapped columns are
// matched case-insensitively; unmapped columns keep their own name.
type Mapper struct {
	source    string
	pk        string
	canonical map[string]string // source column -> canonical attribute
	numeric   func(attr string) bool

	attrs   []string
	pkCol   int
	skipped int
}

// NewMapper builds a mapper for src. numeric reports which canonical
// attributes are declared numbers; nil means none.
func NewMapper(src spec.Source, numeric func(attr string) bool) *Mapper {
	pk := src.PrimaryKey
	if pk == "" {
		pk = DefaultPrimaryKey
	}
	if numeric == nil {
		numeric = func(string) bool { return false }
	}
	m := &Mapper{source: src.Name, pk: pk, canonical: map[string]string{}, numeric: numeric, pkCol: -1}
	for attr, col := range src.Attributes {
		m.canonical[col] = attr
	}
	return m
}

// resolve maps a column to its canonical attribute.
func (m *Mapper) resolve(col string) string {
	if attr, ok := m.canonical[col]; ok {
		return attr
	}
	for c, attr := range m.canonical {
		if strings.EqualFold(c, col) {
			return attr
		}
	}
	return col
}

// SetHeader records the column layout of tabular input. Every mapped column
// and the primary key must be present.
func (m *Mapper) SetHeader(header []string) error {
	m.attrs = make([]string, len(header))
	m.pkCol = -1
	present := map[string]bool{}
	for i, col := range header {
		m.attrs[i] = m.resolve(col)
		present[strings.ToLower(col)] = true
		if m.pkCol < 0 && strings.EqualFold(col, m.pk) {
			m.pkCol = i
		}
	}
	return m.checkColumns(present)
}

func (m *Mapper) checkColumns(present map[string]bool) error {
	var problems []string
	if !present[strings.ToLower(m.pk)] {
		problems = append(problems, fmt.Sprintf("source %s: primary key column %q not found", m.source, m.pk))
	}
	cols := make([]string, 0, len(m.canonical))
	for col := range m.canonical {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if !present[strings.ToLower(col)] {
			problems = append(problems, fmt.Sprintf("source %s: column %q (mapped to %q) not found", m.source, col, m.canonical[col]))
		}
	}
	if len(problems) > 0 {
		return &model.ConfigurationError{Problems: problems}
	}
	return nil
}

// Row converts one tabular row. ok is false when the primary key is empty.
func (m *Mapper) Row(row []string) (model.Record, bool) {
	if m.pkCol < 0 || m.pkCol >= len(row) || strings.TrimSpace(row[m.pkCol]) == "" {
		m.skipped++
		return model.Record{}, false
	}
	attrs := make(map[string]model.Value, len(row))
	for i, cell := range row {
		if i == m.pkCol || i >= len(m.attrs) {
			continue
		}
		attrs[m.attrs[i]] = m.cell(m.attrs[i], cell)
	}
	return model.NewRecord(m.source, strings.TrimSpace(row[m.pkCol]), attrs), true
}

// Object converts one decoded JSON object. ok is false when the primary key
// is missing or null.
func (m *Mapper) Object(obj map[string]any) (model.Record, bool) {
	var id string
	attrs := make(map[string]model.Value, len(obj))
	for col, raw := range obj {
		if strings.EqualFold(col, m.pk) {
			id = strings.TrimSpace(model.FromAny(raw).String())
			continue
		}
		attr := m.resolve(col)
		v := model.FromAny(raw)
		if s, ok := raw.(string); ok {
			v = m.cell(attr, s)
		}
		attrs[attr] = v
	}
	if id == "" {
		m.skipped++
		return model.Record{}, false
	}
	return model.NewRecord(m.source, id, attrs), true
}

// Skipped returns the number of rows dropped for lacking a primary key.
func (m *Mapper) Skipped() int { return m.skipped }

// cell converts a raw text cell. Empty cells are null; numeric attributes
// that parse become numbers and the rest stay text for later validation.
func (m *Mapper) cell(attr, raw string) model.Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.Null()
	}
	if m.numeric(attr) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return model.Number(f)
		}
	}
	return model.String(s)
}

// LoadCSVRecords reads a CSV file with a header row.
func LoadCSVRecords(ctx context.Context, r io.Reader, src spec.Source, numeric func(string) bool) ([]model.Record, error) {
	rowCh, errCh := StreamCSV(ctx, r, CSVOptions{LazyQuotes: true})
	return collectRows(NewMapper(src, numeric), rowCh, errCh)
}

// LoadXLSXRecords reads the worksheet named by src.Sheet, or the first one,
// with a header row.
func LoadXLSXRecords(ctx context.Context, path string, src spec.Source, numeric func(string) bool) ([]model.Record, error) {
	rowCh, errCh := StreamXLSX(ctx, path, src.Sheet)
	return collectRows(NewMapper(src, numeric), rowCh, errCh)
}

func collectRows(m *Mapper, rowCh <-chan []string, errCh <-chan error) ([]model.Record, error) {
	var (
		out       []model.Record
		headerErr error
		first     = true
	)
	for row := range rowCh {
		if headerErr != nil {
			continue
		}
		if first {
			first = false
			headerErr = m.SetHeader(row)
			continue
		}
		if rec, ok := m.Row(row); ok {
			out = append(out, rec)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if headerErr != nil {
		return nil, headerErr
	}
	if first {
		return nil, eris.Errorf("fetcher: source %s: missing header row", m.source)
	}
	logSkipped(m)
	return out, nil
}

// LoadJSONRecords reads a JSON array of objects or JSON Lines.
func LoadJSONRecords(ctx context.Context, r io.Reader, src spec.Source, numeric func(string) bool) ([]model.Record, error) {
	m := NewMapper(src, numeric)
	objCh, errCh := DecodeJSONObjects[map[string]any](ctx, r)

	var out []model.Record
	for obj := range objCh {
		if rec, ok := m.Object(obj); ok {
			out = append(out, rec)
		}
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	logSkipped(m)
	return out, nil
}

func logSkipped(m *Mapper) {
	if m.skipped > 0 {
		zap.L().Warn("fetcher: rows without primary key skipped",
			zap.String("source", m.source),
			zap.String("primary_key", m.pk),
			zap.Int("skipped", m.skipped),
		)
	}
}

// Loader reads source files from local paths or HTTP(S) URLs.
type Loader struct {
	HTTP    *HTTPFetcher
	Numeric func(attr string) bool
}

// Load reads the records of src from location. The format is taken from the
// file extension: .csv, .json, .jsonl, .ndjson or .xlsx.
func (l *Loader) Load(ctx context.Context, src spec.Source, location string) ([]model.Record, error) {
	ext := strings.ToLower(filepath.Ext(pathOf(location)))
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("source", src.Name))

	path := location
	if isRemote(location) {
		tmp, err := l.download(ctx, location, ext)
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp) //nolint:errcheck
		path = tmp
	}

	var (
		records []model.Record
		err     error
	)
	switch ext {
	case ".xlsx":
		records, err = LoadXLSXRecords(ctx, path, src, l.Numeric)
	case ".csv", ".json", ".jsonl", ".ndjson":
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, eris.Wrapf(openErr, "fetcher: open %s", location)
		}
		defer f.Close() //nolint:errcheck
		if ext == ".csv" {
			records, err = LoadCSVRecords(ctx, f, src, l.Numeric)
		} else {
			records, err = LoadJSONRecords(ctx, f, src, l.Numeric)
		}
	default:
		return nil, eris.Errorf("fetcher: unsupported file type %q for %s", ext, location)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: load source %s", src.Name)
	}

	log.Info("fetcher: loaded source", zap.String("location", location), zap.Int("records", len(records)))
	return records, nil
}

func (l *Loader) download(ctx context.Context, location, ext string) (string, error) {
	hf := l.HTTP
	if hf == nil {
		hf = NewHTTPFetcher(HTTPOptions{})
	}
	body, err := hf.Download(ctx, location)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	f, err := os.CreateTemp("", "reconcile-*"+ext)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create temp file")
	}
	defer f.Close() //nolint:errcheck
	if _, err := io.Copy(f, body); err != nil {
		_ = os.Remove(f.Name())
		return "", eris.Wrapf(err, "fetcher: download %s", location)
	}
	return f.Name(), nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func pathOf(location string) string {
	if isRemote(location) {
		if u, err := url.Parse(location); err == nil {
			return u.Path
		}
	}
	return location
}
