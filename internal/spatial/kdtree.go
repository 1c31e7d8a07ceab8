package spatial

import "sort"

// KDTree is a static 3-d tree over unit vectors. Nodes are stored
// implicitly: the median of every subrange of perm is that subtree's root.
type KDTree struct {
	points [][3]float64
	perm   []int
}

// NewKDTree builds a tree over the given points.
func NewKDTree(points [][3]float64) *KDTree {
	t := &KDTree{points: points, perm: make([]int, len(points))}
	for i := range t.perm {
		t.perm[i] = i
	}
	t.build(0, len(t.perm), 0)
	return t
}

func (t *KDTree) build(lo, hi, depth int) {
	if hi-lo <= 1 {
		return
	}
	axis := depth % 3
	sub := t.perm[lo:hi]
	sort.Slice(sub, func(i, j int) bool {
		return t.points[sub[i]][axis] < t.points[sub[j]][axis]
	})
	mid := (lo + hi) / 2
	t.build(lo, mid, depth+1)
	t.build(mid+1, hi, depth+1)
}

// Len returns the number of points in the tree.
func (t *KDTree) Len() int {
	return len(t.points)
}

// QueryChord returns the indices of all points within Euclidean distance r
// of q.
func (t *KDTree) QueryChord(q [3]float64, r float64) []int {
	var out []int
	t.search(0, len(t.perm), 0, q, r, r*r, &out)
	return out
}

func (t *KDTree) search(lo, hi, depth int, q [3]float64, r, r2 float64, out *[]int) {
	if lo >= hi {
		return
	}
	mid := (lo + hi) / 2
	idx := t.perm[mid]
	p := t.points[idx]

	dx, dy, dz := p[0]-q[0], p[1]-q[1], p[2]-q[2]
	if dx*dx+dy*dy+dz*dz <= r2 {
		*out = append(*out, idx)
	}

	diff := q[depth%3] - p[depth%3]
	if diff <= r {
		t.search(lo, mid, depth+1, q, r, r2, out)
	}
	if diff >= -r {
		t.search(mid+1, hi, depth+1, q, r, r2, out)
	}
}

// QueryRadius returns the indices of all points within radiusDeg degrees
// of the position (ra, decl).
func (t *KDTree) QueryRadius(ra, decl, radiusDeg float64) []int {
	if radiusDeg < 0 {
		return nil
	}
	return t.QueryChord(unitVector(ra, decl), chordLength(radiusDeg))
}
