package stream

import "sort"

// MergedChunk aligns the chunks of several environments at one chunk
// index. Completed and Failed are populated only on the terminal chunk.
type MergedChunk struct {
	QueryID      string            `json:"query_id"`
	ChunkID      int               `json:"chunk_id"`
	Environments map[string]*Chunk `json:"environments"`
	IsFinal      bool              `json:"is_final"`
	Completed    []string          `json:"completed,omitempty"`
	Failed       map[string]string `json:"failed,omitempty"`
}

// Merge combines per-environment chunk streams into index-aligned frames.
// The merged stream is as long as the longest input stream; a frame holds
// a chunk for every environment that still has one at that index. The last
// frame is final only when every surviving stream ended with a final
// chunk, and it alone carries the completed and failed environment lists.
// When every environment failed the result is a single terminal frame
// with no chunks and the full failure map.
func Merge(queryID string, results map[string][]*Chunk, failures map[string]string) []*MergedChunk {
	failed := make(map[string]string, len(failures))
	for env, msg := range failures {
		failed[env] = msg
	}

	streams := make(map[string][]*Chunk, len(results))
	for env, chunks := range results {
		// A stream that died mid-flight counts as a failure, not a
		// contributor.
		if n := len(chunks); n > 0 && chunks[n-1].Error != "" {
			failed[env] = chunks[n-1].Error
			continue
		}
		if len(chunks) == 0 {
			chunks = []*Chunk{{
				QueryID:     queryID,
				Environment: env,
				ChunkID:     0,
				Rows:        nil,
				IsFinal:     true,
			}}
		}
		streams[env] = chunks
	}

	if len(streams) == 0 {
		return []*MergedChunk{{
			QueryID:      queryID,
			ChunkID:      0,
			Environments: map[string]*Chunk{},
			IsFinal:      true,
			Completed:    []string{},
			Failed:       failed,
		}}
	}

	longest := 0
	for _, chunks := range streams {
		if len(chunks) > longest {
			longest = len(chunks)
		}
	}

	completed := make([]string, 0, len(streams))
	allFinal := true
	for env, chunks := range streams {
		if chunks[len(chunks)-1].IsFinal {
			completed = append(completed, env)
		} else {
			allFinal = false
		}
	}
	sort.Strings(completed)

	out := make([]*MergedChunk, 0, longest)
	for i := 0; i < longest; i++ {
		frame := &MergedChunk{
			QueryID:      queryID,
			ChunkID:      i,
			Environments: make(map[string]*Chunk),
		}
		for env, chunks := range streams {
			if i < len(chunks) {
				frame.Environments[env] = chunks[i]
			}
		}
		if i == longest-1 && allFinal {
			frame.IsFinal = true
			frame.Completed = completed
			frame.Failed = failed
		}
		out = append(out, frame)
	}
	return out
}
