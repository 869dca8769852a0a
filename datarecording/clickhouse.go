package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/fatih/structs"
	"github.com/tebeka/atexit"
)

// ClickHouseRecorder writes tables into a ClickHouse database. Entries are
// buffered per table and sent as one batch per table on Flush.
type ClickHouseRecorder struct {
	sync.Mutex

	conn       clickhouse.Conn
	batchSize  int
	tables     map[string]*table
	entryCount int
	exec       *execRecorder
	closed     bool
}

// NewClickHouseRecorder connects to the database named by dsn.
func NewClickHouseRecorder(dsn string, batchSize int) (*ClickHouseRecorder, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ClickHouse DSN: %w", err)
	}

	options.DialTimeout = 30 * time.Second
	options.ConnOpenStrategy = clickhouse.ConnOpenInOrder

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}

	r := &ClickHouseRecorder{
		conn:      conn,
		batchSize: batchSize,
		tables:    make(map[string]*table),
	}

	r.exec = newExecRecorder(r)
	r.exec.Start()

	atexit.Register(func() { _ = r.Close() })

	return r, nil
}

var clickHouseTypes = map[reflect.Kind]string{
	reflect.Bool:    "Bool",
	reflect.Int:     "Int64",
	reflect.Int8:    "Int8",
	reflect.Int16:   "Int16",
	reflect.Int32:   "Int32",
	reflect.Int64:   "Int64",
	reflect.Uint:    "UInt64",
	reflect.Uint8:   "UInt8",
	reflect.Uint16:  "UInt16",
	reflect.Uint32:  "UInt32",
	reflect.Uint64:  "UInt64",
	reflect.Float32: "Float32",
	reflect.Float64: "Float64",
	reflect.String:  "String",
}

// clickHouseCreateSQL returns the statement that creates a table with one
// column per field of sampleEntry.
func clickHouseCreateSQL(tableName string, sampleEntry any) (string, error) {
	if err := checkStructFields(sampleEntry); err != nil {
		return "", err
	}

	types := reflect.TypeOf(sampleEntry)
	columns := make([]string, 0, types.NumField())

	for _, name := range structs.Names(sampleEntry) {
		field, _ := types.FieldByName(name)
		columns = append(columns,
			name+" "+clickHouseTypes[field.Type.Kind()])
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE = MergeTree()\nORDER BY tuple()",
		tableName, strings.Join(columns, ",\n\t")), nil
}

// clickHouseValues returns the column values of entry. Platform-sized
// integers are widened to the 64-bit column types.
func clickHouseValues(entry any) []any {
	values := fieldValues(entry)

	for i, v := range values {
		switch x := v.(type) {
		case int:
			values[i] = int64(x)
		case uint:
			values[i] = uint64(x)
		}
	}

	return values
}

// CreateTable creates the table if it does not exist yet.
func (r *ClickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	r.Lock()
	defer r.Unlock()

	createSQL, err := clickHouseCreateSQL(tableName, sampleEntry)
	if err != nil {
		panic(err)
	}

	if err := r.conn.Exec(context.Background(), createSQL); err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}
}

// InsertData buffers an entry.
func (r *ClickHouseRecorder) InsertData(tableName string, entry any) {
	r.Lock()
	defer r.Unlock()

	t, exists := r.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		r.flush()
	}
}

// ListTables returns the names of the tables created by the recorder.
func (r *ClickHouseRecorder) ListTables() []string {
	r.Lock()
	defer r.Unlock()

	tables := make([]string, 0, len(r.tables))
	for name := range r.tables {
		tables = append(tables, name)
	}

	sort.Strings(tables)

	return tables
}

// Flush sends the buffered entries.
func (r *ClickHouseRecorder) Flush() {
	r.Lock()
	defer r.Unlock()

	r.flush()
}

func (r *ClickHouseRecorder) flush() {
	if r.entryCount == 0 || r.closed {
		return
	}

	ctx := context.Background()

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+name)
		if err != nil {
			panic(fmt.Errorf("failed to prepare batch for %s: %w", name, err))
		}

		for _, entry := range t.entries {
			if err := batch.Append(clickHouseValues(entry)...); err != nil {
				panic(fmt.Errorf("failed to append to %s: %w", name, err))
			}
		}

		if err := batch.Send(); err != nil {
			panic(fmt.Errorf("failed to send batch to %s: %w", name, err))
		}

		t.entries = nil
	}

	r.entryCount = 0
}

// Close records the end of the execution, flushes, and closes the
// connection.
func (r *ClickHouseRecorder) Close() error {
	if r.exec != nil {
		r.exec.End()
		r.exec = nil
	}

	r.Lock()
	defer r.Unlock()

	if r.closed {
		return nil
	}

	r.flush()
	r.closed = true

	return r.conn.Close()
}
