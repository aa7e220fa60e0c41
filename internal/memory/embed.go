package memory

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// EmbedDims is the width of vectors produced by HashEmbed.
const EmbedDims = 256

// HashEmbed maps text to a normalized bag-of-words vector by feature
// hashing. It is the offline embedder used when a caller supplies no
// vector; texts sharing words land close together.
func HashEmbed(text string) []float64 {
	v := make([]float64, EmbedDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		sign := 1.0
		if sum&1 == 1 {
			sign = -1
		}
		v[(sum>>1)%EmbedDims] += sign
	}
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return v
	}
	for i := range v {
		v[i] /= n
	}
	return v
}
