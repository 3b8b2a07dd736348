package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func userRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "full_name", "role", "contact_id", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u-1", "counsellor@lyceum.example", "hash", "Priya Nair", string(models.RoleStaff), nil, true, now, now, now)
}

func TestFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, password_hash, full_name, role, contact_id, active, last_login, created_at, updated_at FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("counsellor@lyceum.example").
		WillReturnRows(userRows(time.Now()))

	user, err := repo.FindByEmail(context.Background(), "counsellor@lyceum.example")
	require.NoError(t, err)
	assert.Equal(t, "counsellor@lyceum.example", user.Email)
	assert.Equal(t, models.RoleStaff, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDStudentCarriesContact(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "full_name", "role", "contact_id", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u-2", "asha@lyceum.example", "hash", "Asha Rao", string(models.RoleStudent), "contact-1", true, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, password_hash, full_name, role, contact_id, active, last_login, created_at, updated_at FROM users WHERE id = $1 LIMIT 1")).
		WithArgs("u-2").
		WillReturnRows(rows)

	user, err := repo.FindByID(context.Background(), "u-2")
	require.NoError(t, err)
	require.NotNil(t, user.ContactID)
	assert.Equal(t, "contact-1", *user.ContactID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRefreshToken(context.Background(), &models.RefreshToken{
		ID:        "rt-1",
		UserID:    "u-1",
		Token:     "opaque-token",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersDefaults(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, password_hash, full_name, role, contact_id, active, last_login, created_at, updated_at FROM users WHERE 1=1 ORDER BY created_at DESC LIMIT 20 OFFSET 0")).
		WillReturnRows(userRows(time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE 1=1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	users, total, err := repo.List(context.Background(), models.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersFiltered(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	role := models.RoleStudent
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, email, password_hash, full_name, role, contact_id, active, last_login, created_at, updated_at FROM users WHERE 1=1 AND role = $1 AND (LOWER(email) LIKE $2 OR LOWER(full_name) LIKE $2) ORDER BY email ASC LIMIT 10 OFFSET 10")).
		WithArgs(role, "%rao%").
		WillReturnRows(userRows(time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE 1=1 AND role = $1")).
		WithArgs(role, "%rao%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(14))

	users, total, err := repo.List(context.Background(), models.UserFilter{
		Role:      &role,
		Search:    "Rao",
		Page:      2,
		PageSize:  10,
		SortBy:    "email",
		SortOrder: "asc",
	})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 14, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDeactivates(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET active = FALSE, updated_at = $2 WHERE id = $1")).
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "u-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
