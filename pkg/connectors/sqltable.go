package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

// sqlTableConnector provisions rows of relational tables, one table per
// object class, one column per external attribute. Values are stored as
// text; only the first value of a list is written.
type sqlTableConnector struct {
	db        *sql.DB
	keyColumn string
	log       zerolog.Logger
}

// identRe bounds table and column names to plain identifiers since they are
// spliced into SQL text.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewSQLTableConnector builds the sqltable bundle. Options: driver (default
// sqlite), dsn (required), key_column (default id).
func NewSQLTableConnector(cfg engine.ConnectorConfig, logger zerolog.Logger) (Connector, error) {
	dsn := cfg.Options["dsn"]
	if dsn == "" {
		return nil, fmt.Errorf("sqltable connector requires a dsn option")
	}
	driver := cfg.Options["driver"]
	if driver == "" {
		driver = "sqlite"
	}
	keyColumn := cfg.Options["key_column"]
	if keyColumn == "" {
		keyColumn = "id"
	}
	if !identRe.MatchString(keyColumn) {
		return nil, fmt.Errorf("invalid key column %q", keyColumn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &sqlTableConnector{
		db:        db,
		keyColumn: keyColumn,
		log:       logger.With().Str("bundle", "sqltable").Logger(),
	}, nil
}

func (c *sqlTableConnector) Search(ctx context.Context, objectClass, pageToken string, pageSize int) (*engine.Page, error) {
	if err := checkIdent(objectClass); err != nil {
		return nil, err
	}
	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil || parsed < 0 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("invalid page token %q", pageToken), err).
				WithCode(engine.ErrCodeConnector)
		}
		offset = parsed
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?`, objectClass, c.keyColumn)
	rows, err := c.db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, transientSQL("search failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, transientSQL("failed to read columns", err)
	}

	page := &engine.Page{}
	for rows.Next() {
		obj, err := c.scanRow(rows, columns, objectClass)
		if err != nil {
			return nil, err
		}
		page.Objects = append(page.Objects, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, transientSQL("error iterating rows", err)
	}

	if len(page.Objects) == pageSize {
		page.NextToken = strconv.Itoa(offset + pageSize)
	}
	return page, nil
}

func (c *sqlTableConnector) Get(ctx context.Context, objectClass, key string) (*engine.ConnObject, error) {
	if err := checkIdent(objectClass); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, objectClass, c.keyColumn)
	rows, err := c.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, transientSQL("get failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, transientSQL("failed to read columns", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, transientSQL("get failed", err)
		}
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no row with %s = %s", c.keyColumn, key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return c.scanRow(rows, columns, objectClass)
}

func (c *sqlTableConnector) Create(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	if err := checkIdent(objectClass); err != nil {
		return "", err
	}
	columns, args, err := c.rowValues(obj)
	if err != nil {
		return "", err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		objectClass, strings.Join(columns, ", "), placeholders)

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return "", transientSQL("create failed", err)
	}
	return obj.Key, nil
}

func (c *sqlTableConnector) Update(ctx context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	if err := checkIdent(objectClass); err != nil {
		return "", err
	}
	columns, args, err := c.rowValues(obj)
	if err != nil {
		return "", err
	}

	assignments := make([]string, 0, len(columns))
	for _, column := range columns {
		assignments = append(assignments, column+" = ?")
	}
	args = append(args, obj.Key)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ?`,
		objectClass, strings.Join(assignments, ", "), c.keyColumn)

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", transientSQL("update failed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", transientSQL("update failed", err)
	}
	if affected == 0 {
		return "", engine.NewPermanentError(
			fmt.Sprintf("no row with %s = %s", c.keyColumn, obj.Key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return obj.Key, nil
}

func (c *sqlTableConnector) Delete(ctx context.Context, objectClass, key string) error {
	if err := checkIdent(objectClass); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, objectClass, c.keyColumn)
	result, err := c.db.ExecContext(ctx, query, key)
	if err != nil {
		return transientSQL("delete failed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return transientSQL("delete failed", err)
	}
	if affected == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("no row with %s = %s", c.keyColumn, key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

func (c *sqlTableConnector) Close() error {
	return c.db.Close()
}

// scanRow converts one row into a ConnObject. NULL columns are omitted.
func (c *sqlTableConnector) scanRow(rows *sql.Rows, columns []string, objectClass string) (*engine.ConnObject, error) {
	values := make([]sql.NullString, len(columns))
	dests := make([]any, len(columns))
	for i := range values {
		dests[i] = &values[i]
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, transientSQL("failed to scan row", err)
	}

	obj := &engine.ConnObject{Class: objectClass, Attrs: make(map[string][]string)}
	for i, column := range columns {
		if !values[i].Valid {
			continue
		}
		obj.Attrs[column] = []string{values[i].String}
		if column == c.keyColumn {
			obj.Key = values[i].String
		}
	}
	return obj, nil
}

// rowValues flattens the object's attributes into columns and args, the key
// column included, in deterministic order.
func (c *sqlTableConnector) rowValues(obj *engine.ConnObject) ([]string, []any, error) {
	names := make([]string, 0, len(obj.Attrs))
	for name := range obj.Attrs {
		if err := checkIdent(name); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	columns := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	seenKey := false
	for _, name := range names {
		values := obj.Attrs[name]
		if len(values) == 0 {
			continue
		}
		columns = append(columns, name)
		args = append(args, values[0])
		if name == c.keyColumn {
			seenKey = true
		}
	}
	if !seenKey {
		columns = append(columns, c.keyColumn)
		args = append(args, obj.Key)
	}
	return columns, args, nil
}

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return engine.NewPermanentError(
			fmt.Sprintf("invalid identifier %q", name), nil).
			WithCode(engine.ErrCodeConnector)
	}
	return nil
}

func transientSQL(msg string, err error) error {
	return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeConnector)
}
