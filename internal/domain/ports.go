package domain

import (
	"context"
	"time"
)

// Action names an operation checked by the access policy.
type Action string

// Actions checked against collections and datasets.
const (
	ActionList             Action = "list"
	ActionView             Action = "view"
	ActionCreate           Action = "create"
	ActionEdit             Action = "edit"
	ActionDelete           Action = "delete"
	ActionChangeVisibility Action = "change_visibility"
	ActionChangeOwner      Action = "change_owner"
)

// AccessTarget is the ownership/visibility triple of a protected object.
type AccessTarget struct {
	Kind       string // "collection", "dataset", "object"
	Name       string
	Owner      int64
	Visibility Visibility
	SharedWith []int64
}

// AccessChecker is the access-control decision function owned by the
// authentication layer. Implemented by policy.Checker.
type AccessChecker interface {
	Check(caller Caller, action Action, target AccessTarget) bool
}

// RoleLimits are the resource limits attached to a role.
type RoleLimits struct {
	MaxRows              int `json:"max_rows" yaml:"max_rows"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
}

// LimitsProvider resolves a role to its resource limits.
// Implemented by policy.Store.
type LimitsProvider interface {
	Limits(role string) RoleLimits
}

// CollectionRepository reads and maintains the root index store.
type CollectionRepository interface {
	List(ctx context.Context) ([]Collection, error)
	Get(ctx context.Context, id string) (*Collection, error)
	Search(ctx context.Context, query string) ([]Collection, error)
	Upsert(ctx context.Context, c *Collection) error
	Delete(ctx context.Context, id string) error
}

// DatasetRepository persists dataset records in the dataset index store.
type DatasetRepository interface {
	Create(ctx context.Context, d *Dataset) (*Dataset, error)
	Get(ctx context.Context, setid string) (*Dataset, error)
	UpdateStatus(ctx context.Context, setid string, status DatasetStatus) error
	SaveMaterialized(ctx context.Context, d *Dataset) error
	SaveBundle(ctx context.Context, setid, cacheKey, archivePath string, status DatasetStatus) error
	FindByCacheKey(ctx context.Context, cacheKey, excludeSetID string) (*Dataset, error)
	SetOwner(ctx context.Context, setid string, owner int64) error
	SetVisibility(ctx context.Context, setid string, v Visibility, sharedWith []int64) error
	UpdateMetadata(ctx context.Context, setid string, name, description, citation, slug string) error
	List(ctx context.Context, filter DatasetFilter) ([]Dataset, error)
	Search(ctx context.Context, query string, filter DatasetFilter) ([]Dataset, error)
	FailStale(ctx context.Context, olderThan time.Time) (int64, error)
}
