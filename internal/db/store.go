// exposes a Store interface that is passed to the redirect engine and flush worker
package db

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// AggregateFunc folds the rows a batch actually inserted into per-band deltas.
type AggregateFunc func(inserted []model.TapLogEntry) []model.BandAggregate

type Store interface {
	// organization functions
	GetOrganizationByID(ctx context.Context, id string) (*model.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error)

	// event functions, windows are always loaded
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEventsByIDs(ctx context.Context, ids []string) ([]model.Event, error)
	ListCandidateEvents(ctx context.Context, orgID string) ([]model.Event, error)

	// band functions
	FindBandsByTag(ctx context.Context, tag string) ([]model.Band, error)
	CreateOrFetchBand(ctx context.Context, nb model.NewBand) (model.Band, model.CreateOutcome, error)

	// tap log functions
	ResolveBandRefs(ctx context.Context, tags []string) ([]model.BandRef, error)
	PersistTapBatch(ctx context.Context, rows []model.TapLogEntry, aggregate AggregateFunc) (int, error)
}

type pgStore struct {
	db *sqlx.DB
}

// compile-time check that pgStore implements Store
// required so linter doesn't complain
var _ Store = (*pgStore)(nil)

func NewStore(db *sqlx.DB) Store {
	return &pgStore{db: db}
}
