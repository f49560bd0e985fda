// Package schema holds the static catalog of databases, tables and columns
// and renders the lists the selection pipeline shows to the model.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/martinemde/sqlcrew/config"
)

// ColumnListMark identifies a message that carries a rendered column list.
// The tool loop moves such messages into the system prompt.
const ColumnListMark = "table column information"

// enumMarker flags a column description that enumerates its values.
const enumMarker = "具体描述"

var (
	ErrUnknownDatabase = errors.New("unknown database")
	ErrBadTableName    = errors.New("table name must be database.table")
)

// Column is one column of a table.
type Column struct {
	Name string `json:"column"`
	Desc string `json:"desc"`
}

// Table describes one table of a database.
type Table struct {
	Name        string `json:"表英文"`
	ChineseName string `json:"表中文,omitempty"`
	Summary     string `json:"cols_summary"`
}

type database struct {
	Tables []Table `json:"表"`
}

// Catalog is a read-only view of the schema files. It is safe for
// concurrent use.
type Catalog struct {
	info      string
	databases map[string][]Table
	columns   map[string][]Column
	mapping   map[string]map[string]string
	enums     map[string]map[string]string
}

// Load reads the three catalog files named in cfg.
func Load(cfg config.Schema) (*Catalog, error) {
	info, err := os.ReadFile(cfg.DBInfo)
	if err != nil {
		return nil, fmt.Errorf("read db info: %w", err)
	}
	var dbs map[string]database
	if err := readJSON(cfg.DBTable, &dbs); err != nil {
		return nil, fmt.Errorf("read db tables: %w", err)
	}
	var columns map[string][]Column
	if err := readJSON(cfg.TableColumn, &columns); err != nil {
		return nil, fmt.Errorf("read table columns: %w", err)
	}

	tables := make(map[string][]Table, len(dbs))
	for name, db := range dbs {
		tables[name] = db.Tables
	}
	return New(string(info), tables, columns), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// New builds a Catalog from already-decoded data. columns is keyed by bare
// table name.
func New(info string, tables map[string][]Table, columns map[string][]Column) *Catalog {
	c := &Catalog{
		info:      info,
		databases: tables,
		columns:   columns,
		mapping:   make(map[string]map[string]string),
		enums:     make(map[string]map[string]string),
	}
	for db, ts := range tables {
		for _, t := range ts {
			m := make(map[string]string)
			for _, col := range columns[t.Name] {
				short, _, _ := strings.Cut(col.Desc, "；")
				m[col.Name] = short
			}
			c.mapping[db+"."+t.Name] = m
		}
	}
	for table, cols := range columns {
		for _, col := range cols {
			if strings.Contains(col.Desc, enumMarker) {
				if c.enums[table] == nil {
					c.enums[table] = make(map[string]string)
				}
				c.enums[table][col.Name] = col.Desc
			}
		}
	}
	return c
}

// Info returns the database overview text.
func (c *Catalog) Info() string { return c.info }

// Databases returns the database names in sorted order.
func (c *Catalog) Databases() []string {
	out := make([]string, 0, len(c.databases))
	for db := range c.databases {
		out = append(out, db)
	}
	sort.Strings(out)
	return out
}

// Columns returns the columns of a bare table name.
func (c *Catalog) Columns(table string) []Column {
	return c.columns[table]
}

// ColumnMapping returns column name to short description for a qualified
// database.table name.
func (c *Catalog) ColumnMapping(qualified string) map[string]string {
	return c.mapping[qualified]
}

// EnumColumns returns, per bare table name, the columns whose description
// enumerates their values.
func (c *Catalog) EnumColumns() map[string]map[string]string {
	return c.enums
}

// SplitTable splits database.table.
func SplitTable(qualified string) (db, table string, err error) {
	if strings.Count(qualified, ".") != 1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadTableName, qualified)
	}
	db, table, _ = strings.Cut(qualified, ".")
	return db, table, nil
}

func (c *Catalog) hasTable(db, table string) bool {
	return slices.ContainsFunc(c.databases[db], func(t Table) bool { return t.Name == table })
}

type tableEntry struct {
	Table   string `json:"table"`
	Summary string `json:"summary"`
}

type columnEntry struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// TableList renders every table of the given databases.
func (c *Catalog) TableList(dbs []string) (string, error) {
	entries := []tableEntry{}
	for _, db := range dbs {
		tables, ok := c.databases[db]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownDatabase, db)
		}
		for _, t := range tables {
			entries = append(entries, tableEntry{Table: db + "." + t.Name, Summary: t.Summary})
		}
	}
	return "Database tables:\n" + Marshal(entries) + "\n", nil
}

// ColumnList renders all columns of the given database.table names. Tables
// missing from a known database are skipped.
func (c *Catalog) ColumnList(tables []string) (string, error) {
	entries := []columnEntry{}
	for _, qualified := range tables {
		db, table, err := SplitTable(qualified)
		if err != nil {
			return "", err
		}
		if _, ok := c.databases[db]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownDatabase, db)
		}
		if c.hasTable(db, table) {
			entries = append(entries, columnEntry{Table: qualified, Columns: c.columns[table]})
		}
	}
	return renderColumns(entries), nil
}

// ColumnFilter narrows ColumnList output.
type ColumnFilter struct {
	// Selected maps database.table to the chosen column names. Tables absent
	// from Selected are dropped.
	Selected map[string][]string
	// Important column names are kept wherever they appear.
	Important []string
	// Hub tables are appended with their listed columns when not already
	// selected.
	Hub map[string][]string
}

// FilterColumnList renders the chosen columns of tables.
func (c *Catalog) FilterColumnList(tables []string, f ColumnFilter) (string, error) {
	entries := []columnEntry{}
	for _, qualified := range tables {
		db, table, err := SplitTable(qualified)
		if err != nil {
			return "", err
		}
		chosen, ok := f.Selected[qualified]
		if !ok {
			continue
		}
		if _, ok := c.databases[db]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownDatabase, db)
		}
		if c.hasTable(db, table) {
			entries = append(entries, columnEntry{Table: qualified, Columns: c.pick(table, chosen, f.Important)})
		}
	}

	hubTables := make([]string, 0, len(f.Hub))
	for t := range f.Hub {
		hubTables = append(hubTables, t)
	}
	sort.Strings(hubTables)
	for _, qualified := range hubTables {
		if slices.Contains(tables, qualified) {
			continue
		}
		_, table, err := SplitTable(qualified)
		if err != nil {
			return "", err
		}
		entries = append(entries, columnEntry{Table: qualified, Columns: c.pick(table, f.Hub[qualified], f.Important)})
	}
	return renderColumns(entries), nil
}

func (c *Catalog) pick(table string, chosen, important []string) []Column {
	cols := []Column{}
	for _, col := range c.columns[table] {
		if slices.Contains(chosen, col.Name) || slices.Contains(important, col.Name) {
			cols = append(cols, col)
		}
	}
	return cols
}

func renderColumns(entries []columnEntry) string {
	return "Retrieved " + ColumnListMark + ":\n" + Marshal(entries) + "\n"
}

// Marshal encodes v as compact JSON without HTML escaping, the form used
// for every model-facing payload.
func Marshal(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}
