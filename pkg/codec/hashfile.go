// Package codec implements the text encoding of a prefix's prevalence
// table: one line per suffix, `SUFFIX:PREVALENCE`, rewritten in ascending
// suffix order on every merge.
package codec

import (
	"bytes"
	"sort"
	"strconv"

	"prevaldb/pkg/models"
)

const sepOffset = models.SuffixLen // ':' sits right after the 35-char suffix

// minLineLen is the shortest acceptable line: 35-char suffix, separator,
// at least one digit.
const minLineLen = sepOffset + 2

// Parse decodes raw hash file content into a suffix -> prevalence mapping.
//
// A line is accepted only if it is at least 37 characters long, has ':' at
// offset 35 and the remainder parses as a positive integer once thousands
// separators are stripped. Anything else is skipped so one corrupt or
// legacy line never fails the whole file. Duplicate suffixes are undefined
// legacy input; the last scanned line wins.
func Parse(content []byte) map[string]int64 {
	table := make(map[string]int64)
	for len(content) > 0 {
		var line []byte
		if i := bytes.IndexByte(content, '\n'); i >= 0 {
			line = content[:i]
			content = content[i+1:]
		} else {
			line = content
			content = nil
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) < minLineLen || line[sepOffset] != ':' {
			continue
		}
		prevalence, ok := parseCount(line[sepOffset+1:])
		if !ok {
			continue
		}
		table[string(line[:sepOffset])] = prevalence
	}
	return table
}

// parseCount parses a prevalence value, tolerating thousands separators
// ("1,234,567") that older files carry. Returns false unless the value is
// strictly positive.
func parseCount(raw []byte) (int64, bool) {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == ',' {
			continue
		}
		buf = append(buf, c)
	}
	v, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Serialize encodes the mapping as newline-terminated `SUFFIX:PREVALENCE`
// lines in strictly ascending suffix order, with no thousands separators.
// Parse(Serialize(m)) == m for any valid mapping.
func Serialize(table map[string]int64) []byte {
	suffixes := make([]string, 0, len(table))
	for s := range table {
		suffixes = append(suffixes, s)
	}
	sort.Strings(suffixes)

	var buf bytes.Buffer
	buf.Grow(len(table) * (sepOffset + 12))
	for _, s := range suffixes {
		buf.WriteString(s)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(table[s], 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
