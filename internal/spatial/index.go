package spatial

import (
	"cmp"
	"fmt"
	"slices"
)

// Index is a collection's spatial index: object ids and positions plus the
// kd-tree over them.
type Index struct {
	ObjectIDs []string
	RA        []float64
	Decl      []float64
	tree      *KDTree
}

// Match is one object found by a radius query.
type Match struct {
	ObjectID   string
	RA         float64
	Decl       float64
	DistArcsec float64
}

// NewIndex builds an index over parallel slices of ids and positions.
func NewIndex(ids []string, ra, decl []float64) (*Index, error) {
	if len(ids) != len(ra) || len(ids) != len(decl) {
		return nil, fmt.Errorf("spatial index: %d ids, %d ra, %d decl", len(ids), len(ra), len(decl))
	}
	points := make([][3]float64, len(ids))
	for i := range ids {
		points[i] = unitVector(ra[i], decl[i])
	}
	return &Index{ObjectIDs: ids, RA: ra, Decl: decl, tree: NewKDTree(points)}, nil
}

// Len returns the number of indexed objects.
func (ix *Index) Len() int {
	return len(ix.ObjectIDs)
}

// Cone returns every object within radiusDeg of (ra, decl), nearest first.
// Ties are broken by object id so results are deterministic.
func (ix *Index) Cone(ra, decl, radiusDeg float64) []Match {
	hits := ix.tree.QueryRadius(ra, decl, radiusDeg)
	out := make([]Match, 0, len(hits))
	for _, i := range hits {
		d := GreatCircleDistance(ra, decl, ix.RA[i], ix.Decl[i])
		// The chord test is exact up to rounding; trim the boundary.
		if d > radiusDeg {
			continue
		}
		out = append(out, Match{
			ObjectID:   ix.ObjectIDs[i],
			RA:         ix.RA[i],
			Decl:       ix.Decl[i],
			DistArcsec: d * 3600,
		})
	}
	slices.SortFunc(out, func(a, b Match) int {
		if c := cmp.Compare(a.DistArcsec, b.DistArcsec); c != 0 {
			return c
		}
		return cmp.Compare(a.ObjectID, b.ObjectID)
	})
	return out
}
