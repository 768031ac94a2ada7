// Package slots computes gap-spaced position keys for ordered slot
// placement. Keys carry no meaning beyond their relative order, so
// inserts normally touch a single row; only when a gap is exhausted
// does a placement renumber the smallest run of neighbors needed to
// open space.
package slots

import "fmt"

// Spacing is the gap left between adjacent keys on first placement and
// after a renumber, so subsequent inserts between them stay cheap.
const Spacing = 1024

// Plan describes how to realize one placement. Key is the position key
// for the inserted element. Renumber maps indexes of existing elements
// (into the keys slice given to Place) to their new keys; it is empty
// whenever the target gap still had room.
type Plan struct {
	Key      int64
	Renumber map[int]int64
}

// Place computes a plan for inserting a new element at index in a page
// whose current keys are given in ascending order. index ranges from 0
// (before the first element) to len(keys) (after the last).
func Place(keys []int64, index int) (Plan, error) {
	if index < 0 || index > len(keys) {
		return Plan{}, fmt.Errorf("placement index %d out of range [0,%d]", index, len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			return Plan{}, fmt.Errorf("position keys not strictly ascending at index %d", i)
		}
	}

	if len(keys) == 0 {
		return Plan{Key: Spacing}, nil
	}
	if index == 0 {
		return Plan{Key: keys[0] - Spacing}, nil
	}
	if index == len(keys) {
		return Plan{Key: keys[len(keys)-1] + Spacing}, nil
	}

	prev, next := keys[index-1], keys[index]
	if next-prev >= 2 {
		return Plan{Key: prev + (next-prev)/2}, nil
	}
	return renumber(keys, index, prev), nil
}

// renumber opens space at index by shifting the shortest run of
// following elements. It scans forward for the first element whose key
// leaves enough integer room after prev for the run plus the new
// element, then respreads that run evenly inside the reclaimed range.
// If the run reaches the tail, the respread uses full Spacing instead.
func renumber(keys []int64, index int, prev int64) Plan {
	end := len(keys)
	for j := index; j < len(keys); j++ {
		// run is keys[index:j] plus the new element.
		need := int64(j-index) + 1
		if keys[j]-prev > need {
			end = j
			break
		}
	}

	moved := end - index // existing elements being shifted
	plan := Plan{Renumber: make(map[int]int64, moved)}

	var step int64 = Spacing
	if end < len(keys) {
		step = (keys[end] - prev) / (int64(moved) + 2)
	}
	plan.Key = prev + step
	for t := 0; t < moved; t++ {
		plan.Renumber[index+t] = prev + step*int64(t+2)
	}
	return plan
}
