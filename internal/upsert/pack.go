package upsert

import "github.com/arkilian/tablesync/pkg/types"

// PackPartialRows groups rows into sets whose estimated size stays within
// budget. Rows are taken in order and a set is closed when the next row would
// overflow it. A row larger than the budget forms a set of its own.
func PackPartialRows(rows []types.PartialRow, budget int64) [][]types.PartialRow {
	var (
		packs [][]types.PartialRow
		cur   []types.PartialRow
		size  int64
	)
	for _, r := range rows {
		n := r.EstimatedSize()
		if len(cur) > 0 && size+n > budget {
			packs = append(packs, cur)
			cur, size = nil, 0
		}
		cur = append(cur, r)
		size += n
	}
	if len(cur) > 0 {
		packs = append(packs, cur)
	}
	return packs
}
