package ferryhttp

import "github.com/tanq16/ferry/internal/utils"

// PlanSegments splits [0, size) into contiguous inclusive byte ranges.
// With n = ceil(size/segmentSize): when n <= maxParts every range is
// segmentSize long except the last; otherwise maxParts ranges of
// ceil(size/maxParts) are used.
func PlanSegments(size, segmentSize int64, maxParts int) []utils.DownloadChunk {
	if size <= 0 {
		return nil
	}
	if segmentSize <= 0 {
		segmentSize = utils.DefaultSegmentSize
	}
	if maxParts <= 0 {
		maxParts = 1
	}
	n := ceilDiv(size, segmentSize)
	step := segmentSize
	if n > int64(maxParts) {
		step = ceilDiv(size, int64(maxParts))
	}
	var chunks []utils.DownloadChunk
	for start := int64(0); start < size; start += step {
		end := min(start+step, size) - 1
		chunks = append(chunks, utils.DownloadChunk{
			ID:        len(chunks),
			StartByte: start,
			EndByte:   end,
		})
	}
	return chunks
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
