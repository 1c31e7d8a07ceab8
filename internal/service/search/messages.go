package search

import (
	"fmt"
	"math"
	"strings"

	"lcc-server/internal/domain"
)

// summarize builds the collection-set-aware message of a federated result.
// Zero matches get an explanation rather than the per-collection details.
func (e *Engine) summarize(spec *domain.QuerySpec, colls []domain.Collection, res *FederatedResult) string {
	ids := strings.Join(res.Collections, ", ")
	if !res.Success {
		return fmt.Sprintf("the query failed in every collection searched: %s", ids)
	}
	if n := res.TotalRows(); n > 0 {
		return fmt.Sprintf("%d matching object(s) found in collections: %s", n, ids)
	}

	switch spec.Kind {
	case domain.QueryConeSearch:
		c := spec.Center
		if !inAnyFootprint(colls, c, spec.RadiusArcmin/60) {
			return fmt.Sprintf("no objects found: (%.5f, %+.5f) is outside the sky coverage of collections: %s", c.RA, c.Decl, ids)
		}
		return fmt.Sprintf("no objects found within %.2f arcmin of (%.5f, %+.5f) in collections: %s", spec.RadiusArcmin, c.RA, c.Decl, ids)
	case domain.QueryXMatch:
		if spec.XMatchColumns == nil {
			pad := spec.XMatchRadiusArcsec / 3600
			inside := false
			for _, c := range inputCoordinates(spec.XMatch) {
				if inAnyFootprint(colls, c, pad) {
					inside = true
					break
				}
			}
			if !inside {
				return fmt.Sprintf("no matches found: none of the input positions fall inside the sky coverage of collections: %s", ids)
			}
			return fmt.Sprintf("no input position matched within %.1f arcsec in collections: %s", spec.XMatchRadiusArcsec, ids)
		}
		return fmt.Sprintf("no input rows matched in collections: %s", ids)
	case domain.QueryFullText:
		return fmt.Sprintf("no objects matched %q in collections: %s", spec.FTSQuery, ids)
	default:
		return fmt.Sprintf("no objects matched the search conditions in collections: %s", ids)
	}
}

// inAnyFootprint reports whether the position lies inside some
// collection's bounds padded by padDeg. The RA padding widens with
// declination.
func inAnyFootprint(colls []domain.Collection, c domain.Coordinates, padDeg float64) bool {
	for _, coll := range colls {
		b := coll.Bounds
		raPad := 180.0
		if cosd := math.Cos(c.Decl * math.Pi / 180); cosd > 1e-6 {
			raPad = min(padDeg/cosd, 180)
		}
		if c.RA >= b.RAMin-raPad && c.RA <= b.RAMax+raPad &&
			c.Decl >= b.DeclMin-padDeg && c.Decl <= b.DeclMax+padDeg {
			return true
		}
	}
	return false
}
