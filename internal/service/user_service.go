package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateUserRequest is the admin payload for opening an account. ContactID
// is mandatory for student accounts; it scopes the applicant portal to that
// contact's cases.
type CreateUserRequest struct {
	Email     string          `json:"email" validate:"required,email"`
	FullName  string          `json:"full_name" validate:"required"`
	Role      models.UserRole `json:"role" validate:"required,oneof=ADMIN STAFF STUDENT"`
	ContactID string          `json:"contact_id"`
	Active    bool            `json:"active"`
	Password  string          `json:"password" validate:"required,min=6"`
}

// UpdateUserRequest carries the mutable account fields. A nil ContactID
// leaves the contact link untouched; an empty string clears it.
type UpdateUserRequest struct {
	FullName  string          `json:"full_name" validate:"required"`
	Role      models.UserRole `json:"role" validate:"required,oneof=ADMIN STAFF STUDENT"`
	ContactID *string         `json:"contact_id"`
	Active    *bool           `json:"active"`
}

// UserService manages accounts for the admin console. Every mutation writes
// an audit row naming the acting admin.
type UserService struct {
	repo      userRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, validator: validate, logger: logger}
}

// List returns a page of accounts with pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, internalErr(err, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Get returns a single account.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, internalErr(err, "failed to load user")
	}
	return user, nil
}

// Create opens an account after checking email uniqueness. Only the bcrypt
// hash is ever stored.
func (s *UserService) Create(ctx context.Context, req CreateUserRequest, actorID string, meta models.LoginRequest) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid create user payload")
	}

	if req.Role == models.RoleStudent && strings.TrimSpace(req.ContactID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student accounts must be linked to a contact")
	}

	if _, err := s.repo.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already exists")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, internalErr(err, "failed to check email uniqueness")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, internalErr(err, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(req.Email),
		FullName:     req.FullName,
		Role:         req.Role,
		Active:       req.Active,
		PasswordHash: string(passwordHash),
	}
	if contactID := strings.TrimSpace(req.ContactID); contactID != "" {
		user.ContactID = &contactID
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, internalErr(err, "failed to create user")
	}

	created, _ := json.Marshal(map[string]interface{}{"id": user.ID, "email": user.Email, "role": user.Role})
	s.auditUser(ctx, actorID, models.AuditActionUserCreate, user.ID, nil, created, meta)

	return user, nil
}

// Update rewrites the mutable fields of an account.
func (s *UserService) Update(ctx context.Context, id string, req UpdateUserRequest, actorID string, meta models.LoginRequest) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, internalErr(err, "failed to load user")
	}

	before, _ := json.Marshal(map[string]interface{}{"role": user.Role, "active": user.Active})

	user.FullName = req.FullName
	user.Role = req.Role
	if req.ContactID != nil {
		if contactID := strings.TrimSpace(*req.ContactID); contactID != "" {
			user.ContactID = &contactID
		} else {
			user.ContactID = nil
		}
	}
	if req.Active != nil {
		user.Active = *req.Active
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, internalErr(err, "failed to update user")
	}

	after, _ := json.Marshal(map[string]interface{}{"role": user.Role, "active": user.Active})
	s.auditUser(ctx, actorID, models.AuditActionUserUpdate, user.ID, before, after, meta)

	return user, nil
}

// Delete deactivates an account. Rows stay behind for the audit trail.
func (s *UserService) Delete(ctx context.Context, id string, actorID string, meta models.LoginRequest) error {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return internalErr(err, "failed to load user")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return internalErr(err, "failed to delete user")
	}

	before, _ := json.Marshal(map[string]interface{}{"active": user.Active})
	after, _ := json.Marshal(map[string]interface{}{"active": false})
	s.auditUser(ctx, actorID, models.AuditActionUserDelete, user.ID, before, after, meta)

	return nil
}

func (s *UserService) auditUser(ctx context.Context, actorID, action, targetID string, before, after []byte, meta models.LoginRequest) {
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actorID,
		Action:     action,
		Resource:   "users",
		ResourceID: &targetID,
		OldValues:  before,
		NewValues:  after,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record user audit log", zap.Error(err), zap.String("action", action))
	}
}
