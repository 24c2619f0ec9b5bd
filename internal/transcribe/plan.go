package transcribe

import "time"

// Chunk is one decode window. Every chunk but the last spans the full window;
// consecutive chunks share overlap seconds of audio.
type Chunk struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Plan splits total into windows. Audio shorter than window is a single
// chunk; otherwise there are ceil((total-overlap)/(window-overlap)) chunks.
func Plan(total, window, overlap time.Duration) []Chunk {
	if total <= 0 {
		return nil
	}
	if total < window || window <= overlap {
		return []Chunk{{Index: 0, Start: 0, End: total}}
	}
	stride := window - overlap
	count := int((total - overlap + stride - 1) / stride)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := time.Duration(i) * stride
		end := start + window
		if end > total {
			end = total
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
	}
	return chunks
}
