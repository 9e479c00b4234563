// Package compress implements the sparse column encoding used by table and
// external resources: run-length runs over null stretches, plus an optional
// indexed-values dictionary when it is estimated to save space.
package compress

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Run is one stretch of cell values starting at Offset. Values may contain
// nil for short gaps carried inside the run.
type Run struct {
	Offset int           `json:"offset"`
	Values []interface{} `json:"values"`
}

// runGap is the largest distance between two defined cells that still
// coalesces into one run; longer null stretches split runs.
const runGap = 3

// Compress encodes a sparse column as runs. Cells within runGap positions of
// the previous defined cell stay in the same run, with the intervening nulls
// carried as nil values.
func Compress(column []interface{}) []Run {
	var runs []Run
	lastDefined := -1

	for i, v := range column {
		if v == nil {
			continue
		}
		if lastDefined >= 0 && i-lastDefined <= runGap {
			run := &runs[len(runs)-1]
			for j := lastDefined + 1; j < i; j++ {
				run.Values = append(run.Values, nil)
			}
			run.Values = append(run.Values, v)
		} else {
			runs = append(runs, Run{Offset: i, Values: []interface{}{v}})
		}
		lastDefined = i
	}
	return runs
}

// Encode compresses a column and, when the heuristic pays off, replaces the
// cells with indices into the returned dictionary. The dictionary is nil
// when plain runs are smaller.
func Encode(column []interface{}) ([]Run, []interface{}) {
	runs := Compress(column)
	dict, ok := buildDictionary(column)
	if !ok {
		return runs, nil
	}

	index := make(map[string]int, len(dict))
	for i, v := range dict {
		index[encodeKey(v)] = i
	}
	for r := range runs {
		for i, v := range runs[r].Values {
			if v == nil {
				continue
			}
			runs[r].Values[i] = float64(index[encodeKey(v)])
		}
	}
	return runs, dict
}

// Decompress restores a column of the given length from its runs. With a
// dictionary, cells hold dictionary indices. Absent cells are nil.
func Decompress(runs []Run, dict []interface{}, length int) ([]interface{}, error) {
	column := make([]interface{}, length)
	for _, run := range runs {
		for i, v := range run.Values {
			pos := run.Offset + i
			if pos < 0 || pos >= length {
				return nil, fmt.Errorf("compress: run cell at %d outside column of length %d", pos, length)
			}
			if v == nil {
				continue
			}
			if dict != nil {
				idx, err := cellIndex(v)
				if err != nil {
					return nil, err
				}
				if idx < 0 || idx >= len(dict) {
					return nil, fmt.Errorf("compress: dictionary index %d outside dictionary of %d values", idx, len(dict))
				}
				column[pos] = dict[idx]
			} else {
				column[pos] = v
			}
		}
	}
	return column, nil
}

// buildDictionary collects the unique defined values and decides whether
// indexing pays: the unique count must not exceed half the column length
// and the estimated indexed size (dictionary values plus one index per
// defined cell) must be strictly below the raw size.
func buildDictionary(column []interface{}) ([]interface{}, bool) {
	unique := make(map[string]interface{})
	defined := 0
	rawSize := 0
	for _, v := range column {
		if v == nil {
			continue
		}
		defined++
		rawSize += encodedSize(v)
		unique[encodeKey(v)] = v
	}
	if defined == 0 || 2*len(unique) > len(column) {
		return nil, false
	}

	digitsPerCell := 1
	if len(unique) > 1 {
		digitsPerCell = int(math.Ceil(math.Log10(float64(len(unique)))))
		if digitsPerCell < 1 {
			digitsPerCell = 1
		}
	}
	dictSize := defined * digitsPerCell
	dict := make([]interface{}, 0, len(unique))
	for _, v := range unique {
		dictSize += encodedSize(v)
		dict = append(dict, v)
	}
	if dictSize >= rawSize {
		return nil, false
	}

	SortValues(dict)
	return dict, true
}

// SortValues orders values by type name first, then by natural comparison
// within the type. The order is total, so dictionaries are deterministic.
func SortValues(values []interface{}) {
	sort.SliceStable(values, func(i, j int) bool {
		return Less(values[i], values[j])
	})
}

// Less is the dictionary total order.
func Less(a, b interface{}) bool {
	ta, tb := typeName(a), typeName(b)
	if ta != tb {
		return ta < tb
	}
	switch ta {
	case "boolean":
		return !a.(bool) && b.(bool)
	case "number":
		return numberOf(a) < numberOf(b)
	case "string":
		return a.(string) < b.(string)
	default:
		return encodeKey(a) < encodeKey(b)
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int, int32, int64:
		return "number"
	case string:
		return "string"
	default:
		return "object"
	}
}

func numberOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

// encodedSize estimates the serialised size of one value.
func encodedSize(v interface{}) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}

// encodeKey folds equal values (across Go integer widths) onto one map key.
func encodeKey(v interface{}) string {
	switch typeName(v) {
	case "number":
		return "n:" + fmt.Sprintf("%v", numberOf(v))
	case "string":
		return "s:" + v.(string)
	case "boolean":
		return fmt.Sprintf("b:%v", v)
	}
	raw, _ := json.Marshal(v)
	return "o:" + string(raw)
}

func cellIndex(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	}
	return 0, fmt.Errorf("compress: dictionary cell is %T, want a number", v)
}
