package artifact

import (
	"fmt"

	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
)

// Assemble copies chunks, in order, into one buffer of length total. The chunk
// lengths must add up to total exactly.
func Assemble(chunks [][]byte, total int64) ([]byte, error) {
	var sum int64
	for _, c := range chunks {
		sum += int64(len(c))
	}
	if total < 0 || sum != total {
		return nil, apperrors.New(apperrors.KindFetch, "artifact.assemble",
			fmt.Sprintf("received %d bytes, expected %d", sum, total))
	}

	buf := make([]byte, total)
	var offset int64
	for _, c := range chunks {
		offset += int64(copy(buf[offset:], c))
	}
	return buf, nil
}
