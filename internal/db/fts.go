package db

import (
	"encoding/binary"
	"math"
)

// MatchInfoFormat is the matchinfo() format string FTSRank expects.
const MatchInfoFormat = "pcx"

// FTSRank scores a row from its FTS4 matchinfo(tbl, 'pcx') blob. Each
// phrase hit in a column contributes hits-in-row over hits-in-table, scaled
// by how rare the phrase is across documents. Higher is more relevant.
func FTSRank(info []byte) float64 {
	ints := make([]uint32, len(info)/4)
	for i := range ints {
		ints[i] = binary.NativeEndian.Uint32(info[i*4:])
	}
	if len(ints) < 2 {
		return 0
	}
	phrases, cols := int(ints[0]), int(ints[1])
	if len(ints) < 2+phrases*cols*3 {
		return 0
	}

	var score float64
	for p := 0; p < phrases; p++ {
		for c := 0; c < cols; c++ {
			base := 2 + (p*cols+c)*3
			hitsRow := float64(ints[base])
			hitsAll := float64(ints[base+1])
			docs := float64(ints[base+2])
			if hitsRow == 0 || hitsAll == 0 {
				continue
			}
			score += (hitsRow / hitsAll) * (1 + math.Log1p(1/docs))
		}
	}
	return score
}
