package sync

import (
	"slices"
	"strings"
)

// sortedUnique uppercases, sorts and deduplicates address codes
func sortedUnique(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, strings.ToUpper(strings.TrimSpace(c)))
	}
	slices.Sort(out)
	return slices.Compact(out)
}
