package loader

import (
	"fmt"

	"relengine/internal/planner"
)

// parentKeys collects the distinct non-null key tuples of parents.
func parentKeys(parents []planner.Record, fields []string) ([]planner.ParentTuple, error) {
	seen := make(map[string]struct{}, len(parents))
	tuples := make([]planner.ParentTuple, 0, len(parents))
	for _, parent := range parents {
		for _, f := range fields {
			if _, ok := parent[f]; !ok {
				return nil, fmt.Errorf("parent record lacks key field %q", f)
			}
		}
		tuple := parent.Tuple(fields)
		if tuple.HasNull() {
			continue
		}
		key := tuple.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

func chunkTuples(values []planner.ParentTuple, max int) [][]planner.ParentTuple {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]planner.ParentTuple{values}
	}
	chunks := make([][]planner.ParentTuple, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := min(start+max, len(values))
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func appendMissing(fields, extra []string) []string {
	for _, f := range extra {
		found := false
		for _, have := range fields {
			if have == f {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, f)
		}
	}
	return fields
}

func reverse(recs []planner.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
