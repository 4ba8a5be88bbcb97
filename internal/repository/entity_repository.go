package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/connect-api/internal/models"
)

// ErrDuplicate reports a unique constraint violation.
var ErrDuplicate = errors.New("duplicate key")

const uniqueViolation = "23505"

// EntityRepository loads and saves directory records as field maps.
type EntityRepository struct {
	db *sqlx.DB
}

// NewEntityRepository constructs the repository.
func NewEntityRepository(db *sqlx.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Load fetches an entity without locking it.
func (r *EntityRepository) Load(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, t, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", table), id)
}

// LoadForUpdate fetches and row-locks an entity for the rest of the current
// transaction.
func (r *EntityRepository) LoadForUpdate(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	if !inTx(ctx) {
		return nil, fmt.Errorf("lock %s: no transaction in context", t)
	}
	return r.load(ctx, t, fmt.Sprintf("SELECT * FROM %s WHERE id = $1 FOR UPDATE", table), id)
}

func (r *EntityRepository) load(ctx context.Context, t models.EntityType, query, id string) (*models.Entity, error) {
	row := make(map[string]interface{})
	if err := executor(ctx, r.db).QueryRowxContext(ctx, query, id).MapScan(row); err != nil {
		return nil, err
	}
	entity := models.NewEntity(t, id)
	for column, value := range row {
		switch column {
		case "id":
		case "created_at":
			entity.CreatedAt, _ = value.(time.Time)
		case "updated_at":
			entity.UpdatedAt, _ = value.(time.Time)
		default:
			// lib/pq hands back numeric, uuid and similar columns as bytes.
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			entity.Fields[column] = value
		}
	}
	return entity, nil
}

// Insert writes a new row with the given columns taken from entity fields.
func (r *EntityRepository) Insert(ctx context.Context, e *models.Entity, columns []string) error {
	table, err := tableFor(e.Type)
	if err != nil {
		return err
	}
	cols := []string{"id", "created_at", "updated_at"}
	args := []interface{}{e.ID, e.CreatedAt, e.UpdatedAt}
	placeholders := []string{"$1", "$2", "$3"}
	for _, column := range sortedColumns(columns) {
		cols = append(cols, pq.QuoteIdentifier(column))
		args = append(args, e.Fields[column])
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := executor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Sprintf("insert %s", e.Type), err)
	}
	return nil
}

// Update writes only the given columns (plus updated_at) of an existing row.
func (r *EntityRepository) Update(ctx context.Context, e *models.Entity, columns []string) error {
	table, err := tableFor(e.Type)
	if err != nil {
		return err
	}
	sets := []string{"updated_at = $1"}
	args := []interface{}{e.UpdatedAt}
	for _, column := range sortedColumns(columns) {
		args = append(args, e.Fields[column])
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(column), len(args)))
	}
	args = append(args, e.ID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(args))
	if _, err := executor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		return classify(fmt.Sprintf("update %s", e.Type), err)
	}
	return nil
}

// Exists reports whether an entity with id exists.
func (r *EntityRepository) Exists(ctx context.Context, t models.EntityType, id string) (bool, error) {
	table, err := tableFor(t)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table)
	if err := executor(ctx, r.db).GetContext(ctx, &exists, query, id); err != nil {
		return false, fmt.Errorf("check %s exists: %w", t, err)
	}
	return exists, nil
}

// ExistsWhere reports whether another row (id <> excludeID) matches every
// column/value pair.
func (r *EntityRepository) ExistsWhere(ctx context.Context, t models.EntityType, match map[string]interface{}, excludeID string) (bool, error) {
	table, err := tableFor(t)
	if err != nil {
		return false, err
	}
	if len(match) == 0 {
		return false, fmt.Errorf("check %s uniqueness: no columns", t)
	}
	columns := make([]string, 0, len(match))
	for column := range match {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	conditions := make([]string, 0, len(columns)+1)
	args := make([]interface{}, 0, len(columns)+1)
	for _, column := range columns {
		args = append(args, match[column])
		conditions = append(conditions, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(column), len(args)))
	}
	if excludeID != "" {
		args = append(args, excludeID)
		conditions = append(conditions, fmt.Sprintf("id <> $%d", len(args)))
	}
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)", table, strings.Join(conditions, " AND "))

	var exists bool
	if err := executor(ctx, r.db).GetContext(ctx, &exists, query, args...); err != nil {
		return false, fmt.Errorf("check %s uniqueness: %w", t, err)
	}
	return exists, nil
}

// LockScope takes a transaction scoped advisory lock on scope, serialising
// writers whose invariants span sibling rows.
func (r *EntityRepository) LockScope(ctx context.Context, scope string) error {
	if !inTx(ctx) {
		return fmt.Errorf("lock scope %s: no transaction in context", scope)
	}
	if _, err := executor(ctx, r.db).ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", scope); err != nil {
		return fmt.Errorf("lock scope %s: %w", scope, err)
	}
	return nil
}

func tableFor(t models.EntityType) (string, error) {
	table := t.Table()
	if table == "" {
		return "", fmt.Errorf("unsupported entity type %q", t)
	}
	return table, nil
}

func sortedColumns(columns []string) []string {
	out := make([]string, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		switch c {
		case "id", "created_at", "updated_at":
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, ErrDuplicate, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
