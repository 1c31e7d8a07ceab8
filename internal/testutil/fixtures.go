package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"lcc-server/internal/db"
	"lcc-server/internal/db/repository"
	"lcc-server/internal/domain"
	"lcc-server/internal/spatial"
)

// Object is one row of a fixture catalog.
type Object struct {
	ObjectID   string
	RA, Decl   float64
	SDSSR      *float64
	NDet       int64
	Tags       string
	Owner      int64
	Visibility domain.Visibility
	SharedWith []int64
}

// F returns a pointer to v, for nullable fixture columns.
func F(v float64) *float64 { return &v }

// Fixture describes an on-disk collection to build.
type Fixture struct {
	ID         string
	Name       string
	Objects    []Object
	Visibility domain.Visibility
	Owner      int64
	// NoSpatialIndex leaves the spatial artifact path unset.
	NoSpatialIndex bool
	// LightCurves writes one light-curve file per object and records its
	// path in lcfname.
	LightCurves bool
}

// FixtureColumns are the catalog columns every fixture collection has.
var FixtureColumns = []domain.ColumnInfo{
	{Name: "objectid", Type: "text", Title: "object ID"},
	{Name: "ra", Type: "real", Title: "right ascension", Format: "%.5f"},
	{Name: "decl", Type: "real", Title: "declination", Format: "%.5f"},
	{Name: "lcfname", Type: "text", Title: "light curve file"},
	{Name: "sdssr", Type: "real", Title: "SDSS r magnitude", Format: "%.3f"},
	{Name: "ndet", Type: "integer", Title: "number of detections", Format: "%d"},
	{Name: "objecttags", Type: "text", Title: "object tags"},
}

const catalogDDL = `
CREATE TABLE object_catalog (
    objectid          TEXT PRIMARY KEY,
    ra                REAL,
    decl              REAL,
    lcfname           TEXT,
    sdssr             REAL,
    ndet              INTEGER,
    objecttags        TEXT,
    object_owner      INTEGER NOT NULL DEFAULT 1,
    object_visibility TEXT NOT NULL DEFAULT 'public',
    object_sharedwith TEXT NOT NULL DEFAULT '[]',
    extra_info        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX object_catalog_sdssr ON object_catalog(sdssr);
CREATE INDEX object_catalog_ndet ON object_catalog(ndet);
CREATE INDEX object_catalog_owner ON object_catalog(object_owner);
CREATE INDEX object_catalog_visibility ON object_catalog(object_visibility);
CREATE INDEX object_catalog_sharedwith ON object_catalog(object_sharedwith);
CREATE VIRTUAL TABLE object_catalog_fts USING fts4(content="object_catalog", objectid, objecttags);
CREATE TRIGGER object_catalog_bu BEFORE UPDATE ON object_catalog BEGIN
    DELETE FROM object_catalog_fts WHERE docid = old.rowid;
END;
CREATE TRIGGER object_catalog_bd BEFORE DELETE ON object_catalog BEGIN
    DELETE FROM object_catalog_fts WHERE docid = old.rowid;
END;
CREATE TRIGGER object_catalog_au AFTER UPDATE ON object_catalog BEGIN
    INSERT INTO object_catalog_fts(docid, objectid, objecttags) VALUES (new.rowid, new.objectid, new.objecttags);
END;
CREATE TRIGGER object_catalog_ai AFTER INSERT ON object_catalog BEGIN
    INSERT INTO object_catalog_fts(docid, objectid, objecttags) VALUES (new.rowid, new.objectid, new.objecttags);
END;
`

// OpenIndexStore opens a migrated root index store in t.TempDir().
func OpenIndexStore(t *testing.T) *repository.CollectionRepo {
	t.Helper()
	writeDB, _ := db.OpenTestSQLite(t, db.MigrationsIndex)
	return repository.NewCollectionRepo(writeDB)
}

// OpenDatasetStore opens a migrated dataset index store in t.TempDir().
func OpenDatasetStore(t *testing.T) *repository.DatasetRepo {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t, db.MigrationsDatasets)
	return repository.NewDatasetRepo(writeDB, readDB)
}

// OpenSessionPool opens a session pool closed at test cleanup.
func OpenSessionPool(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := db.OpenSessionPool(4)
	if err != nil {
		t.Fatalf("open session pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// BuildCollection writes the catalog store and spatial index artifact for
// f under dir and returns the collection ready to register.
func BuildCollection(t *testing.T, dir string, f Fixture) *domain.Collection {
	t.Helper()

	root := filepath.Join(dir, f.ID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	catalogPath := filepath.Join(root, "catalog.sqlite")

	store, err := db.OpenSQLite(catalogPath, db.ModeWrite, 0)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer store.Close() //nolint:errcheck

	if _, err := store.Exec(catalogDDL); err != nil {
		t.Fatalf("create catalog: %v", err)
	}

	var (
		ids       []string
		ras, decs []float64
		bounds    = domain.SkyBounds{RAMin: math.Inf(1), RAMax: math.Inf(-1), DeclMin: math.Inf(1), DeclMax: math.Inf(-1)}
	)
	for _, o := range f.Objects {
		lcfname := ""
		if f.LightCurves {
			lcfname = filepath.Join(root, "lightcurves", o.ObjectID+"-lc.csv")
			if err := os.MkdirAll(filepath.Dir(lcfname), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			body := fmt.Sprintf("# %s\nrjd,mag\n56000.1,%.3f\n", o.ObjectID, 12.0)
			if err := os.WriteFile(lcfname, []byte(body), 0o644); err != nil {
				t.Fatalf("write light curve: %v", err)
			}
		}
		vis := o.Visibility
		if vis == "" {
			vis = domain.VisibilityPublic
		}
		owner := o.Owner
		if owner == 0 {
			owner = domain.SuperuserID
		}
		shared, _ := json.Marshal(nonNilIDs(o.SharedWith))

		var sdssr any
		if o.SDSSR != nil {
			sdssr = *o.SDSSR
		}
		_, err := store.Exec(`INSERT INTO object_catalog
			(objectid, ra, decl, lcfname, sdssr, ndet, objecttags, object_owner, object_visibility, object_sharedwith)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ObjectID, o.RA, o.Decl, lcfname, sdssr, o.NDet, o.Tags, owner, string(vis), string(shared))
		if err != nil {
			t.Fatalf("insert object %s: %v", o.ObjectID, err)
		}

		ids = append(ids, o.ObjectID)
		ras = append(ras, o.RA)
		decs = append(decs, o.Decl)
		bounds.RAMin = min(bounds.RAMin, o.RA)
		bounds.RAMax = max(bounds.RAMax, o.RA)
		bounds.DeclMin = min(bounds.DeclMin, o.Decl)
		bounds.DeclMax = max(bounds.DeclMax, o.Decl)
	}
	if len(f.Objects) == 0 {
		bounds = domain.SkyBounds{}
	}

	spatialPath := ""
	if !f.NoSpatialIndex {
		spatialPath = filepath.Join(root, "kdtree.zst")
		if err := spatial.WriteArtifact(spatialPath, ids, ras, decs); err != nil {
			t.Fatalf("write spatial artifact: %v", err)
		}
	}

	name := f.Name
	if name == "" {
		name = f.ID
	}
	vis := f.Visibility
	if vis == "" {
		vis = domain.VisibilityPublic
	}
	return &domain.Collection{
		ID:               f.ID,
		CatalogPath:      catalogPath,
		SpatialIndexPath: spatialPath,
		Columns:          FixtureColumns,
		IndexedColumns:   []string{"sdssr", "ndet"},
		FTSColumns:       []string{"objectid", "objecttags"},
		Name:             name,
		Description:      "fixture collection " + f.ID,
		Owner:            f.Owner,
		Visibility:       vis,
		Bounds:           bounds,
		NObjects:         int64(len(f.Objects)),
	}
}

// RegisterCollections builds and registers every fixture, returning the
// collections in the order given.
func RegisterCollections(t *testing.T, repo domain.CollectionRepository, dir string, fixtures ...Fixture) []*domain.Collection {
	t.Helper()
	out := make([]*domain.Collection, 0, len(fixtures))
	for _, f := range fixtures {
		c := BuildCollection(t, dir, f)
		if err := repo.Upsert(context.Background(), c); err != nil {
			t.Fatalf("register %s: %v", f.ID, err)
		}
		out = append(out, c)
	}
	return out
}

// Grid returns n objects named prefix-NNNN laid out along declination
// starting at (ra, decl) with step degrees between neighbours. sdssr runs
// 10.0, 10.1, ... and ndet is 100*i.
func Grid(prefix string, n int, ra, decl, step float64) []Object {
	out := make([]Object, n)
	for i := range out {
		out[i] = Object{
			ObjectID: fmt.Sprintf("%s-%04d", prefix, i),
			RA:       ra,
			Decl:     decl + float64(i)*step,
			SDSSR:    F(10 + float64(i)/10),
			NDet:     int64(100 * i),
			Tags:     "variable",
		}
	}
	return out
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
