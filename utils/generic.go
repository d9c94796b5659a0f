package utils

import "sort"

// Contains tells whether a contains x.
func Contains(a []string, x string) bool {
	return IndexOf(a, x) >= 0
}

func IndexOf(a []string, x string) int {
	for i, n := range a {
		if x == n {
			return i
		}
	}
	return -1
}

func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

// Subset tells whether every element of a is present in b.
func Subset(a, b []string) bool {
	for _, x := range a {
		if !Contains(b, x) {
			return false
		}
	}
	return true
}

// GetMapKeysValues returns the keys of m in sorted order together with the
// values in matching order. Map iteration order is random, the sorted order
// keeps generated SQL deterministic.
func GetMapKeysValues(m map[string]interface{}) ([]string, []interface{}) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		values = append(values, m[key])
	}
	return keys, values
}
