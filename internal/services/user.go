package services

import (
	"context"

	"github.com/olymprep/authserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	List(ctx context.Context) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	Delete(ctx context.Context, id int) error
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

func (s *UserService) Create(ctx context.Context, user types.User) (types.User, error) {
	return s.repo.Create(ctx, user)
}

func (s *UserService) Update(ctx context.Context, user types.User) (types.User, error) {
	return s.repo.Update(ctx, user)
}

func (s *UserService) Delete(ctx context.Context, id int) error {
	return s.repo.Delete(ctx, id)
}

// Promote raises the user with the given email to admin.
func (s *UserService) Promote(ctx context.Context, email string) (types.User, error) {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return types.User{}, err
	}
	if user.Role == types.RoleAdmin {
		return user, nil
	}
	user.Role = types.RoleAdmin
	return s.repo.Update(ctx, user)
}
