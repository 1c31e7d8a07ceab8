// Package testutil provides shared fakes and fixtures for tests across the
// codebase: hand-written mocks of domain interfaces and builders for
// on-disk collections.
package testutil

import (
	"context"
	"io"
	"log/slog"

	"lcc-server/internal/domain"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// === Access Checker Mock ===

// MockAccessChecker implements domain.AccessChecker for testing.
type MockAccessChecker struct {
	CheckFn func(caller domain.Caller, action domain.Action, target domain.AccessTarget) bool
}

// Check implements the interface method for testing. Without CheckFn every
// check passes.
func (m *MockAccessChecker) Check(caller domain.Caller, action domain.Action, target domain.AccessTarget) bool {
	if m.CheckFn != nil {
		return m.CheckFn(caller, action, target)
	}
	return true
}

// === Limits Provider Mock ===

// StaticLimits implements domain.LimitsProvider with one set of limits for
// every role.
type StaticLimits domain.RoleLimits

// Limits implements the interface method for testing.
func (s StaticLimits) Limits(string) domain.RoleLimits {
	return domain.RoleLimits(s)
}

// === Collection Repository Mock ===

// MockCollectionRepo implements domain.CollectionRepository for testing.
type MockCollectionRepo struct {
	ListFn   func(ctx context.Context) ([]domain.Collection, error)
	GetFn    func(ctx context.Context, id string) (*domain.Collection, error)
	SearchFn func(ctx context.Context, query string) ([]domain.Collection, error)
	UpsertFn func(ctx context.Context, c *domain.Collection) error
	DeleteFn func(ctx context.Context, id string) error
}

// List implements the interface method for testing.
func (m *MockCollectionRepo) List(ctx context.Context) ([]domain.Collection, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	panic("unexpected call to MockCollectionRepo.List")
}

// Get implements the interface method for testing.
func (m *MockCollectionRepo) Get(ctx context.Context, id string) (*domain.Collection, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id)
	}
	panic("unexpected call to MockCollectionRepo.Get")
}

// Search implements the interface method for testing.
func (m *MockCollectionRepo) Search(ctx context.Context, query string) ([]domain.Collection, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query)
	}
	panic("unexpected call to MockCollectionRepo.Search")
}

// Upsert implements the interface method for testing.
func (m *MockCollectionRepo) Upsert(ctx context.Context, c *domain.Collection) error {
	if m.UpsertFn != nil {
		return m.UpsertFn(ctx, c)
	}
	panic("unexpected call to MockCollectionRepo.Upsert")
}

// Delete implements the interface method for testing.
func (m *MockCollectionRepo) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	panic("unexpected call to MockCollectionRepo.Delete")
}

var (
	_ domain.AccessChecker        = (*MockAccessChecker)(nil)
	_ domain.LimitsProvider       = StaticLimits{}
	_ domain.CollectionRepository = (*MockCollectionRepo)(nil)
)
