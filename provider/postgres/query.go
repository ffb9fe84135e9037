package postgres

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/erfanmomeniii/entsync"
)

func sortedColumns(rec entsync.Record, skip string) []string {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		if k != skip {
			cols = append(cols, k)
		}
	}
	slices.Sort(cols)
	return cols
}

func insertQuery(t Table, rec entsync.Record) (string, []any, error) {
	table := pq.QuoteIdentifier(t.Name)
	if len(rec) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", table), nil, nil
	}

	cols := sortedColumns(rec, "")
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := encodeValue(rec[c])
		if err != nil {
			return "", nil, fmt.Errorf("postgres: column %s: %w", c, err)
		}
		names[i] = pq.QuoteIdentifier(c)
		params[i] = "$" + strconv.Itoa(i+1)
		args[i] = v
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(names, ", "), strings.Join(params, ", ")), args, nil
}

// updateQuery returns an empty query when rec has nothing to set.
func updateQuery(t Table, id string, rec entsync.Record) (string, []any, error) {
	cols := sortedColumns(rec, t.Key)
	if len(cols) == 0 {
		return "", nil, nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		v, err := encodeValue(rec[c])
		if err != nil {
			return "", nil, fmt.Errorf("postgres: column %s: %w", c, err)
		}
		sets[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1)
		args = append(args, v)
	}
	args = append(args, id)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		pq.QuoteIdentifier(t.Name), strings.Join(sets, ", "), pq.QuoteIdentifier(t.Key), len(args)), args, nil
}

func selectQuery(t Table, f entsync.Filter, r entsync.NameResolver) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.IDs) > 0 {
		args = append(args, pq.Array(f.IDs))
		conds = append(conds, fmt.Sprintf("%s::text = ANY($%d)", pq.QuoteIdentifier(t.Key), len(args)))
	}

	names := make([]string, 0, len(f.Where))
	for name := range f.Where {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		col := pq.QuoteIdentifier(r.Backend(name))
		v := f.Where[name]
		if v == nil {
			conds = append(conds, col+" IS NULL")
			continue
		}
		args = append(args, entsync.FormatID(v))
		conds = append(conds, fmt.Sprintf("%s::text = $%d", col, len(args)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", pq.QuoteIdentifier(t.Name))
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s", pq.QuoteIdentifier(t.Key))
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args
}

// encodeValue converts composite values to JSON for json/jsonb columns.
func encodeValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v, nil
	case map[string]any, entsync.Record, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return v, nil
}

type rowScanner interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanRecords(rows rowScanner) ([]entsync.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []entsync.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(entsync.Record, len(cols))
		for i, c := range cols {
			rec[c] = decodeValue(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// decodeValue turns raw column bytes into JSON values or strings.
func decodeValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			return decoded
		}
	}
	return string(b)
}
