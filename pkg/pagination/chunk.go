package pagination

import "time"

// DefaultChunkDays is the window size used when none is configured.
const DefaultChunkDays = 7

// DateRange is a half-open interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ChunkDates splits [start, end) into consecutive windows of days days. The
// last window is clipped to end. Windows are returned in chronological order;
// an empty range yields no windows.
func ChunkDates(start, end time.Time, days int) []DateRange {
	if days <= 0 {
		days = DefaultChunkDays
	}
	if !start.Before(end) {
		return nil
	}

	var chunks []DateRange
	for cur := start; cur.Before(end); {
		next := cur.AddDate(0, 0, days)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, DateRange{Start: cur, End: next})
		cur = next
	}
	return chunks
}

// ChunkKeys splits keys into groups of at most size, preserving order.
func ChunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end:end])
	}
	return chunks
}
