// Completion: 100% - Utility module complete
package engine

import (
	"bytes"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/leb128"
)

// utils.go - Encoding helper functions
//
// LEB128 wrappers over delve's encoder and decoder for the DWARF call frame
// information and the Itanium LSDA, alignment helpers, and the edit-distance
// matcher used for "did you mean" suggestions in diagnostics.

// AppendULEB128 appends v as unsigned LEB128
func AppendULEB128(b []byte, v uint64) []byte {
	buf := bytes.NewBuffer(b)
	leb128.EncodeUnsigned(buf, v)
	return buf.Bytes()
}

// AppendSLEB128 appends v as signed LEB128
func AppendSLEB128(b []byte, v int64) []byte {
	buf := bytes.NewBuffer(b)
	leb128.EncodeSigned(buf, v)
	return buf.Bytes()
}

// ULEB128Size returns the number of bytes AppendULEB128 writes for v
func ULEB128Size(v uint64) int {
	return len(AppendULEB128(nil, v))
}

// terminated reports whether b holds a byte that ends a LEB128 value.
// delve's decoder panics when the input runs out first.
func terminated(b []byte) bool {
	for _, c := range b {
		if c&0x80 == 0 {
			return true
		}
	}
	return false
}

// ReadULEB128 decodes an unsigned LEB128 value and returns it with the number
// of bytes consumed. n is 0 when b ends before the value does.
func ReadULEB128(b []byte) (v uint64, n int) {
	if !terminated(b) {
		return 0, 0
	}
	v, size := leb128.DecodeUnsigned(bytes.NewReader(b))
	return v, int(size)
}

// ReadSLEB128 decodes a signed LEB128 value
func ReadSLEB128(b []byte) (v int64, n int) {
	if !terminated(b) {
		return 0, 0
	}
	v, size := leb128.DecodeSigned(bytes.NewReader(b))
	return v, int(size)
}

// AlignUp rounds v up to a multiple of align (a power of two)
func AlignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// levenshteinDistance calculates the edit distance between two strings
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
	}
	for i := 0; i <= len(s1); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1, // deletion
				min(matrix[i][j-1]+1, // insertion
					matrix[i-1][j-1]+cost)) // substitution
		}
	}

	return matrix[len(s1)][len(s2)]
}

// SimilarNames returns up to max candidates within edit distance 3 of name,
// closest first.
func SimilarNames(name string, candidates []string, max int) []string {
	type suggestion struct {
		name     string
		distance int
	}

	var suggestions []suggestion
	for _, c := range candidates {
		dist := levenshteinDistance(name, c)
		if dist <= 3 && dist > 0 {
			suggestions = append(suggestions, suggestion{c, dist})
		}
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].distance == suggestions[j].distance {
			return suggestions[i].name < suggestions[j].name
		}
		return suggestions[i].distance < suggestions[j].distance
	})

	result := make([]string, 0, max)
	for i := 0; i < len(suggestions) && i < max; i++ {
		result = append(result, suggestions[i].name)
	}
	return result
}
