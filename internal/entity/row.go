package entity

import (
	"fmt"
	"strings"
	"time"
)

var rowMetaColumns = map[string]struct{}{
	"updated_at": {},
	"updatedAt":  {},
	"updated_by": {},
	"updatedBy":  {},
	"version":    {},
}

// FromRow converts a realtime or snapshot row into a SyncEntity. Rows carrying
// a "data" object use it as the payload; flat rows use their own columns.
func FromRow(table string, row map[string]any) (SyncEntity, error) {
	return fromRowAt(table, row, time.Now())
}

func fromRowAt(table string, row map[string]any, now time.Time) (SyncEntity, error) {
	typ, ok := TypeForTable(table)
	if !ok {
		return SyncEntity{}, fmt.Errorf("%w: unknown table %q", ErrInvalidRow, table)
	}
	if row == nil {
		return SyncEntity{}, fmt.Errorf("%w: empty row", ErrInvalidRow)
	}
	id := strings.TrimSpace(toString(row["id"]))
	if id == "" {
		return SyncEntity{}, fmt.Errorf("%w: missing id in %s", ErrInvalidRow, table)
	}
	rawUpdatedAt, ok := row["updated_at"]
	if !ok {
		rawUpdatedAt = row["updatedAt"]
	}
	updatedBy := toString(row["updated_by"])
	if updatedBy == "" {
		updatedBy = toString(row["updatedBy"])
	}

	var data map[string]any
	if nested, ok := row["data"].(map[string]any); ok {
		data = cloneMap(nested)
	} else {
		data = make(map[string]any, len(row))
		for k, v := range row {
			if _, meta := rowMetaColumns[k]; meta {
				continue
			}
			data[k] = cloneValue(v)
		}
	}
	if _, ok := data["id"]; !ok {
		data["id"] = id
	}
	return SyncEntity{
		ID:        id,
		Type:      typ,
		Data:      data,
		UpdatedAt: NormalizeTimestamp(rawUpdatedAt, now),
		UpdatedBy: updatedBy,
		Version:   toInt(row["version"]),
	}, nil
}

// ToRow renders an entity in the column layout of the realtime tables.
func ToRow(e SyncEntity) map[string]any {
	row := map[string]any{
		"id":         e.ID,
		"data":       cloneMap(e.Data),
		"updated_at": int64(e.UpdatedAt),
		"version":    e.Version,
	}
	if e.UpdatedBy != "" {
		row["updated_by"] = e.UpdatedBy
	}
	return row
}
