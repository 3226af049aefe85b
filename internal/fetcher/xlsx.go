package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// StreamXLSX sends the rows of one worksheet of the workbook at path, header
// first. sheet selects the worksheet by name; the first worksheet is used
// when it is empty. Cells are trimmed and rows with no content are dropped,
// since spreadsheets often carry formatted but empty trailing rows.
func StreamXLSX(ctx context.Context, path, sheet string) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		wb, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrapf(err, "xlsx: open %s", path)
			return
		}
		ws, err := worksheet(wb, sheet)
		if err != nil {
			errCh <- err
			return
		}

		for _, row := range ws.Rows {
			if row == nil {
				continue
			}
			cells, blank := cellStrings(row)
			if blank {
				continue
			}
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func worksheet(wb *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name == "" {
		if len(wb.Sheets) == 0 {
			return nil, eris.New("xlsx: workbook has no sheets")
		}
		return wb.Sheets[0], nil
	}
	ws, ok := wb.Sheet[name]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", name)
	}
	return ws, nil
}

func cellStrings(row *xlsx.Row) ([]string, bool) {
	out := make([]string, len(row.Cells))
	blank := true
	for i, c := range row.Cells {
		out[i] = strings.TrimSpace(c.String())
		if out[i] != "" {
			blank = false
		}
	}
	return out, blank
}
