package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

type mockUserRepo struct {
	users          map[string]*models.User
	listUsers      []models.User
	listCount      int
	listErr        error
	findByIDErr    error
	findByEmailErr error
	auditLogs      []*models.AuditLog
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	if m.listUsers != nil {
		return m.listUsers, m.listCount, nil
	}
	var users []models.User
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	if user, ok := m.users[id]; ok {
		copy := *user
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	for _, u := range m.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Update(ctx context.Context, user *models.User) error {
	if m.users == nil {
		m.users = make(map[string]*models.User)
	}
	copy := *user
	m.users[user.ID] = &copy
	return nil
}

func (m *mockUserRepo) Delete(ctx context.Context, id string) error {
	if user, ok := m.users[id]; ok {
		user.Active = false
		m.users[id] = user
		return nil
	}
	return sql.ErrNoRows
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func newUserService(repo *mockUserRepo) *UserService {
	return NewUserService(repo, validator.New(), zap.NewNop())
}

func TestUserServiceList(t *testing.T) {
	repo := &mockUserRepo{
		listUsers: []models.User{{ID: "u-1", Email: "counsellor@lyceum.example", Role: models.RoleStaff}},
		listCount: 1,
	}
	users, pagination, err := newUserService(repo).List(context.Background(), models.UserFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, pagination.TotalCount)
}

func TestUserServiceCreateNormalisesEmail(t *testing.T) {
	repo := &mockUserRepo{users: make(map[string]*models.User), findByEmailErr: sql.ErrNoRows}
	user, err := newUserService(repo).Create(context.Background(), CreateUserRequest{
		Email:    "Admissions@Lyceum.Example",
		FullName: "Admissions Desk",
		Password: "secret1",
		Role:     models.RoleStaff,
		Active:   true,
	}, "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	assert.Equal(t, "admissions@lyceum.example", user.Email)
	assert.NotEqual(t, "secret1", user.PasswordHash)
	require.NotEmpty(t, repo.auditLogs)
	assert.Equal(t, models.AuditActionUserCreate, repo.auditLogs[0].Action)
}

func TestUserServiceCreateStudentRequiresContact(t *testing.T) {
	repo := &mockUserRepo{users: make(map[string]*models.User), findByEmailErr: sql.ErrNoRows}
	svc := newUserService(repo)

	_, err := svc.Create(context.Background(), CreateUserRequest{
		Email:    "asha@lyceum.example",
		FullName: "Asha Rao",
		Password: "secret1",
		Role:     models.RoleStudent,
	}, "admin-1", models.LoginRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linked to a contact")

	user, err := svc.Create(context.Background(), CreateUserRequest{
		Email:     "asha@lyceum.example",
		FullName:  "Asha Rao",
		Password:  "secret1",
		Role:      models.RoleStudent,
		ContactID: "contact-1",
		Active:    true,
	}, "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	require.NotNil(t, user.ContactID)
	assert.Equal(t, "contact-1", *user.ContactID)
}

func TestUserServiceUpdateContactLink(t *testing.T) {
	contactID := "contact-1"
	repo := &mockUserRepo{users: map[string]*models.User{
		"u-2": {ID: "u-2", Email: "asha@lyceum.example", FullName: "Asha Rao", Role: models.RoleStudent, ContactID: &contactID, Active: true},
	}}
	svc := newUserService(repo)

	// A payload without the field leaves the link alone.
	user, err := svc.Update(context.Background(), "u-2", UpdateUserRequest{
		FullName: "Asha Rao",
		Role:     models.RoleStudent,
	}, "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	require.NotNil(t, user.ContactID)

	// An empty string clears it.
	cleared := ""
	user, err = svc.Update(context.Background(), "u-2", UpdateUserRequest{
		FullName:  "Asha Rao",
		Role:      models.RoleStudent,
		ContactID: &cleared,
	}, "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	assert.Nil(t, user.ContactID)
}

func TestUserServiceCreateDuplicateEmail(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{
		"u-1": {ID: "u-1", Email: "counsellor@lyceum.example"},
	}}
	_, err := newUserService(repo).Create(context.Background(), CreateUserRequest{
		Email:    "counsellor@lyceum.example",
		FullName: "Duplicate",
		Password: "secret1",
		Role:     models.RoleStaff,
	}, "admin-1", models.LoginRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email already exists")
}

func TestUserServiceUpdate(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{
		"u-1": {ID: "u-1", Email: "counsellor@lyceum.example", FullName: "Priya Nair", Role: models.RoleStaff, Active: true},
	}}
	active := false
	user, err := newUserService(repo).Update(context.Background(), "u-1", UpdateUserRequest{
		FullName: "Priya Nair",
		Role:     models.RoleAdmin,
		Active:   &active,
	}, "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)
	assert.False(t, user.Active)
	require.NotEmpty(t, repo.auditLogs)
	assert.NotNil(t, repo.auditLogs[0].OldValues)
}

func TestUserServiceDelete(t *testing.T) {
	repo := &mockUserRepo{users: map[string]*models.User{
		"u-1": {ID: "u-1", Email: "counsellor@lyceum.example", FullName: "Priya Nair", Role: models.RoleStaff, Active: true},
	}}
	err := newUserService(repo).Delete(context.Background(), "u-1", "admin-1", models.LoginRequest{})
	require.NoError(t, err)
	assert.False(t, repo.users["u-1"].Active)
	require.NotEmpty(t, repo.auditLogs)
	assert.Equal(t, models.AuditActionUserDelete, repo.auditLogs[0].Action)
}
