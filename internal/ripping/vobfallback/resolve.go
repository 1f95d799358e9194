package vobfallback

import (
	"math"
	"sort"

	"ripley/internal/queue"
)

// resolveGroups assigns a container group to each requested title.
//
// The ladder, in order: an authoritative hint captured at scan time; the
// closest probed duration within tolerance; the single largest group when
// exactly one title remains; sequential assignment by group order when
// several remain. Titles that still resolve to nothing are absent from the
// returned map.
func resolveGroups(titles []queue.TitleSelection, hints map[int]string, groups []*Group, toleranceSeconds float64) map[int]*Group {
	assigned := make(map[int]*Group, len(titles))
	available := make(map[string]*Group, len(groups))
	for _, g := range groups {
		available[g.ID] = g
	}

	var unresolved []queue.TitleSelection

	for _, title := range titles {
		if id, ok := hints[title.ID]; ok {
			if g, free := available[id]; free {
				assigned[title.ID] = g
				delete(available, id)
				continue
			}
		}
		unresolved = append(unresolved, title)
	}

	remaining := unresolved
	unresolved = nil
	for _, title := range remaining {
		if title.DurationSeconds <= 0 {
			unresolved = append(unresolved, title)
			continue
		}
		var best *Group
		bestDelta := math.MaxFloat64
		for _, g := range available {
			if g.Duration <= 0 {
				continue
			}
			delta := math.Abs(g.Duration - title.DurationSeconds)
			if delta <= toleranceSeconds && delta < bestDelta {
				best = g
				bestDelta = delta
			}
		}
		if best == nil {
			unresolved = append(unresolved, title)
			continue
		}
		assigned[title.ID] = best
		delete(available, best.ID)
	}

	if len(unresolved) == 0 || len(available) == 0 {
		return assigned
	}

	ordered := make([]*Group, 0, len(available))
	for _, g := range available {
		ordered = append(ordered, g)
	}

	if len(unresolved) == 1 {
		// One title left: take the single largest group by byte size.
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Bytes > ordered[j].Bytes })
		assigned[unresolved[0].ID] = ordered[0]
		return assigned
	}

	// Several left: enumerate groups in sequence order and assign in turn.
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for i, title := range unresolved {
		if i >= len(ordered) {
			break
		}
		assigned[title.ID] = ordered[i]
	}
	return assigned
}
