package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// QueryParams selects and orders the rows of a table.
type QueryParams struct {
	// Where is a condition without the WHERE keyword, e.g. "Kind = ?".
	Where string

	// Args fill the placeholders of Where.
	Args []any

	// OrderBy is an ordering without the ORDER BY keywords.
	OrderBy string

	// Limit caps the number of rows returned. Zero returns every row.
	Limit int

	// Offset skips rows. It only applies together with Limit.
	Offset int
}

func (p QueryParams) where() string {
	if p.Where == "" {
		return ""
	}

	return " WHERE " + p.Where
}

func (p QueryParams) tail() string {
	var b strings.Builder

	if p.OrderBy != "" {
		b.WriteString(" ORDER BY " + p.OrderBy)
	}

	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)

		if p.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", p.Offset)
		}
	}

	return b.String()
}

// DataReader reads back the tables written by a DataRecorder.
type DataReader interface {
	// MapTable declares the struct type the rows of a table scan into.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the mapped tables, sorted.
	ListTables() []string

	// Query returns a pointer to a struct per selected row and the number
	// of rows matching Where, ignoring Limit and Offset.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Close closes the database.
	Close() error
}

type sqliteReader struct {
	db    *sql.DB
	types map[string]reflect.Type
}

// NewReader opens a database file written by a DataRecorder.
func NewReader(path string) (DataReader, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB creates a DataReader on an opened database.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		db:    db,
		types: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.types[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	tables := make([]string, 0, len(r.types))
	for name := range r.types {
		tables = append(tables, name)
	}

	slices.Sort(tables)

	return tables
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	t, ok := r.types[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("table %s is not mapped", tableName)
	}

	var total int

	countQuery := "SELECT COUNT(*) FROM " + tableName + params.where()
	err := r.db.QueryRowContext(ctx, countQuery, params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", tableName, err)
	}

	query := "SELECT * FROM " + tableName + params.where() + params.tail()

	rows, err := r.db.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", tableName, err)
	}
	defer rows.Close()

	results, err := scanRows(rows, t)
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", tableName, err)
	}

	return results, total, nil
}

// scanRows creates a new t per row. Columns are matched to fields by name;
// columns without a field are dropped.
func scanRows(rows *sql.Rows, t reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []any

	for rows.Next() {
		entry := reflect.New(t)
		targets := make([]any, len(columns))

		for i, col := range columns {
			if f := entry.Elem().FieldByName(col); f.IsValid() {
				targets[i] = f.Addr().Interface()
				continue
			}

			targets[i] = new(any)
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}
