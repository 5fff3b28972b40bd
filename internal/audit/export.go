package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

const MaxExportRows = 10000

var exportHeader = []string{
	"id", "created_at", "actor_id", "actor_name", "action", "resource_type", "resource_id",
	"success", "error", "remote_addr", "user_agent", "endpoint", "method", "before", "after",
}

// ExportCSV writes matching entries newest first, at most limit rows (capped at MaxExportRows).
// It returns the number of rows written, excluding the header.
func (t *Trail) ExportCSV(ctx context.Context, w io.Writer, f Filter, limit int) (int, error) {
	if limit <= 0 || limit > MaxExportRows {
		limit = MaxExportRows
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	written := 0
	page := Page{Size: MaxPageSize}
	for written < limit {
		res, err := t.Query(ctx, f, page)
		if err != nil {
			return written, err
		}
		for _, e := range res.Entries {
			if written == limit {
				break
			}
			row, err := exportRow(e)
			if err != nil {
				return written, err
			}
			if err := cw.Write(row); err != nil {
				return written, fmt.Errorf("write row: %w", err)
			}
			written++
		}
		if res.NextToken == "" {
			break
		}
		page.Token = res.NextToken
	}
	cw.Flush()
	return written, cw.Error()
}

func exportRow(e Entry) ([]string, error) {
	before, err := stateJSON(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := stateJSON(e.After)
	if err != nil {
		return nil, err
	}
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.ActorID,
		e.ActorName,
		string(e.Action),
		e.ResourceType,
		e.ResourceID,
		strconv.FormatBool(e.Success),
		e.Error,
		e.RemoteAddr,
		e.UserAgent,
		e.Endpoint,
		e.Method,
		before,
		after,
	}, nil
}

func stateJSON(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(b), nil
}
