package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgelab/toolforge/internal/store"
)

// mapNotFound translates sql.ErrNoRows into the shared sentinel.
func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

func marshalJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalJSON(data []byte, dst any) {
	if len(data) > 0 {
		json.Unmarshal(data, dst)
	}
}

// uuidStrings converts a uuid slice to text form for uuid[] columns.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// nullUUID adapts *uuid.UUID for nullable uuid columns.
func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func scanNullUUID(ns sql.NullString) *uuid.UUID {
	if !ns.Valid {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

// buildUpdate turns an updates map into a SET clause. Column names come from
// a fixed allowlist supplied by the caller, never from user input.
func buildUpdate(table string, allowed map[string]any, idCol string, id any) (string, []any) {
	var setClauses []string
	var args []any
	i := 1
	for col, val := range allowed {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table, strings.Join(setClauses, ", "), idCol, i)
	return q, args
}

// textArray wraps a string slice for text[] columns, mapping nil to empty.
func textArray(ss []string) any {
	if ss == nil {
		ss = []string{}
	}
	return pq.Array(ss)
}
