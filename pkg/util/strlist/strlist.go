// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package strlist

import (
	"path"
	"sort"
)

// AreEqualUnordered reports whether `l` and `r` hold the same multiset of
// strings, regardless of order.
func AreEqualUnordered(l, r []string) bool {
	if len(l) != len(r) {
		return false
	}
	counts := make(map[string]int, len(l))
	for _, ll := range l {
		counts[ll]++
	}
	for _, rr := range r {
		counts[rr]--
		if counts[rr] < 0 {
			return false
		}
	}
	return true
}

func CopyUniqueSorted(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	uniq := make(map[string]bool)
	for _, ss := range s {
		uniq[ss] = true
	}

	res := make([]string, 0, len(uniq))
	for k := range uniq {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func Contains(s []string, str string) bool {
	for _, ss := range s {
		if ss == str {
			return true
		}
	}
	return false
}

// Missing returns the unique sorted list of entries of `want` that are not
// present in `have`.
func Missing(want, have []string) []string {
	seen := make(map[string]bool, len(have))
	for _, h := range have {
		seen[h] = true
	}
	var res []string
	for _, w := range want {
		if !seen[w] {
			res = append(res, w)
		}
	}
	return CopyUniqueSorted(res)
}

// MatchAny reports whether `str` matches at least one of the shell
// `patterns` (q.v. path.Match()). malformed patterns never match.
func MatchAny(patterns []string, str string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, str); err == nil && ok {
			return true
		}
	}
	return false
}
