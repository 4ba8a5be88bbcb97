package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/connect-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var updateRequestRowColumns = []string{"id", "entity_type", "entity_id", "data", "status", "submitted_by", "submitted_at", "reviewed_by", "reviewed_at", "note"}

func TestUpdateRequestRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewUpdateRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO update_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := &models.UpdateRequest{
		EntityType:  models.EntityLocation,
		Data:        []byte(`{"address_line_1":"1 High St"}`),
		SubmittedBy: "user-1",
	}
	require.NoError(t, repo.Create(context.Background(), req))
	require.NotEmpty(t, req.ID)
	require.Equal(t, models.UpdateRequestStatusPending, req.Status)
	require.False(t, req.SubmittedAt.IsZero())

	rows := sqlmock.NewRows(updateRequestRowColumns).
		AddRow(req.ID, "location", nil, []byte(`{"address_line_1":"1 High St"}`), "PENDING", "user-1", time.Now(), nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, entity_type, entity_id")).
		WithArgs(req.ID).
		WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, found.ID)
	require.Nil(t, found.EntityID)
	require.True(t, found.IsCreation())
	require.JSONEq(t, `{"address_line_1":"1 High St"}`, string(found.Data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequestRepositoryGetForUpdateRequiresTransaction(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUpdateRequestRepository(db)

	_, err := repo.GetForUpdate(context.Background(), "ur-1")
	require.Error(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM update_requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("ur-1").
		WillReturnRows(sqlmock.NewRows(updateRequestRowColumns).
			AddRow("ur-1", "service", "svc-1", []byte(`{}`), "PENDING", "user-1", time.Now(), nil, nil, nil))
	mock.ExpectCommit()

	err = NewTransactor(db).WithinTx(context.Background(), func(ctx context.Context) error {
		found, err := repo.GetForUpdate(ctx, "ur-1")
		if err != nil {
			return err
		}
		require.Equal(t, "svc-1", *found.EntityID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequestRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewUpdateRequestRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM update_requests WHERE status IN ($1) AND entity_type = $2")).
		WithArgs("PENDING", "service").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY submitted_at DESC LIMIT 20 OFFSET 40")).
		WithArgs("PENDING", "service").
		WillReturnRows(sqlmock.NewRows(updateRequestRowColumns).
			AddRow("ur-1", "service", "svc-1", []byte(`{"name":"x"}`), "PENDING", "user-1", time.Now(), nil, nil, nil))

	list, total, err := repo.List(context.Background(), models.UpdateRequestFilter{
		Status:     []models.UpdateRequestStatus{models.UpdateRequestStatusPending},
		EntityType: models.EntityService,
		Limit:      20,
		Offset:     40,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, list, 1)
	require.Equal(t, "ur-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequestRepositoryUpdateStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewUpdateRequestRepository(db)
	now := time.Now()
	note := "looks good"
	entityID := "loc-new"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE update_requests SET status = ?, reviewed_by = ?, reviewed_at = ?, note = ?, entity_id = ? WHERE id = ? AND status = 'PENDING'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:         "ur-1",
		Status:     models.UpdateRequestStatusApproved,
		ReviewedBy: "admin-1",
		ReviewedAt: now,
		Note:       &note,
		EntityID:   &entityID,
	})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE update_requests SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:         "ur-1",
		Status:     models.UpdateRequestStatusRejected,
		ReviewedBy: "admin-1",
		ReviewedAt: now,
	})
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}
