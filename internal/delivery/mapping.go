package delivery

import "github.com/csvgate/csvgate/internal/models"

// MapRows applies the destination's column and context mappings and returns new rows;
// the input is not modified.
//
// With a non-empty columnMapping only mapped source columns are kept, renamed to their
// destination names. An empty mapping passes rows through. contextMapping then injects
// destination columns from rowContext; absent or nil context values are omitted.
func MapRows(rows []models.Row, columnMapping, contextMapping map[string]string, rowContext map[string]interface{}) []models.Row {
	injected := make(map[string]interface{}, len(contextMapping))
	for destCol, ctxKey := range contextMapping {
		if v, ok := rowContext[ctxKey]; ok && v != nil {
			injected[destCol] = v
		}
	}

	out := make([]models.Row, 0, len(rows))
	for _, row := range rows {
		var mapped models.Row
		if len(columnMapping) == 0 {
			mapped = make(models.Row, len(row)+len(injected))
			for k, v := range row {
				mapped[k] = v
			}
		} else {
			mapped = make(models.Row, len(columnMapping)+len(injected))
			for src, dest := range columnMapping {
				if v, ok := row[src]; ok {
					mapped[dest] = v
				}
			}
		}
		for k, v := range injected {
			mapped[k] = v
		}
		out = append(out, mapped)
	}
	return out
}

// chunkRows splits rows into consecutive chunks of at most size rows.
func chunkRows(rows []models.Row, size int) [][]models.Row {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]models.Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
