package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
)

// A Filter selects and orders the rows of a query.
type Filter struct {
	// Where is a condition without the WHERE keyword, such as "PID = ?".
	Where string
	Args  []any

	// OrderBy is a sort order without the ORDER BY keywords.
	OrderBy string

	// Limit is ignored if 0. Offset only applies with a Limit.
	Limit  int
	Offset int
}

func (f Filter) where() string {
	if f.Where == "" {
		return ""
	}

	return " WHERE " + f.Where
}

// DataReader reads back the tables written by a SQLite DataRecorder.
type DataReader interface {
	// MapTable tells which struct the rows of a table are read into. A table
	// must be mapped before it is queried.
	MapTable(tableName string, sampleEntry any)

	// MappedTables returns the names of the mapped tables, sorted.
	MappedTables() []string

	// Query returns the selected rows as pointers to the mapped struct, and
	// the number of rows the filter selects when the limit is ignored.
	Query(ctx context.Context, tableName string, filter Filter) (
		rows []any,
		total int,
		err error,
	)

	// CountBy counts the selected rows per value of a column. The column
	// must be a field of the mapped struct.
	CountBy(ctx context.Context, tableName, column string, filter Filter) (
		map[string]int,
		error,
	)

	Close() error
}

type sqliteReader struct {
	db    *sql.DB
	types map[string]reflect.Type
}

// OpenReader opens a file written by a SQLite DataRecorder. The file must
// exist and is never modified.
func OpenReader(filename string) (DataReader, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", "file:"+filename+"?mode=ro")
	if err != nil {
		return nil, err
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB reads from an open database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		db:    db,
		types: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	t := reflect.TypeOf(sampleEntry)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.types[tableName] = t
}

func (r *sqliteReader) MappedTables() []string {
	tables := make([]string, 0, len(r.types))
	for table := range r.types {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	return tables
}

func (r *sqliteReader) mapped(tableName string) (reflect.Type, error) {
	t, ok := r.types[tableName]
	if !ok {
		return nil, fmt.Errorf("table %q is not mapped", tableName)
	}

	return t, nil
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	filter Filter,
) ([]any, int, error) {
	t, err := r.mapped(tableName)
	if err != nil {
		return nil, 0, err
	}

	var total int

	err = r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+filter.where(),
		filter.Args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	var b strings.Builder

	b.WriteString("SELECT * FROM " + tableName + filter.where())

	if filter.OrderBy != "" {
		b.WriteString(" ORDER BY " + filter.OrderBy)
	}

	if filter.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, b.String(), filter.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows, t)
	if err != nil {
		return nil, 0, fmt.Errorf("table %q: %w", tableName, err)
	}

	return entries, total, nil
}

func (r *sqliteReader) CountBy(
	ctx context.Context,
	tableName, column string,
	filter Filter,
) (map[string]int, error) {
	t, err := r.mapped(tableName)
	if err != nil {
		return nil, err
	}

	if _, ok := t.FieldByName(column); !ok {
		return nil, fmt.Errorf("table %q has no column %q", tableName, column)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT CAST("+column+" AS TEXT), COUNT(*) FROM "+tableName+
			filter.where()+" GROUP BY 1",
		filter.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			value sql.NullString
			n     int
		)

		if err := rows.Scan(&value, &n); err != nil {
			return nil, err
		}

		counts[value.String] += n
	}

	return counts, rows.Err()
}

// scanEntries reads every row into a new struct of type t. Columns without a
// field of the same name are skipped.
func scanEntries(rows *sql.Rows, t reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var entries []any

	for rows.Next() {
		entry := reflect.New(t)
		targets := make([]any, len(columns))

		for i, c := range columns {
			if f := entry.Elem().FieldByName(c); f.IsValid() && f.CanSet() {
				targets[i] = f.Addr().Interface()
				continue
			}

			targets[i] = new(any)
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		entries = append(entries, entry.Interface())
	}

	return entries, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}
