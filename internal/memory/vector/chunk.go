package vector

import (
	"strings"
)

// Span is a half-open character range within a source document.
type Span struct {
	Start int
	End   int
}

// chunkSpan is an intermediate chunk before ids and embeddings exist.
type chunkSpan struct {
	Text string
	Span Span
}

// chunkText splits text into overlapping chunks on blank-line paragraph
// boundaries. Paragraphs are greedily packed into the current chunk
// until the next one would push it past size; on flush, the trailing
// overlap characters carry into the next chunk. A single paragraph
// longer than size*1.5 is force-split at the nearest sentence
// terminator in [0.7*size, size], else newline, else space, else a
// hard cut. Empty or whitespace-only input yields no chunks.
func chunkText(text string, size, overlap int) []chunkSpan {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	paras := paragraphSpans(text)

	var chunks []chunkSpan
	curStart, curEnd := -1, -1

	flush := func() {
		if curStart < 0 || curEnd <= curStart {
			return
		}
		raw := text[curStart:curEnd]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			chunks = append(chunks, chunkSpan{Text: trimmed, Span: Span{Start: curStart, End: curEnd}})
		}
	}

	for _, p := range paras {
		plen := p.End - p.Start

		// Oversized paragraph: flush what we have, then force-split.
		if plen > size*3/2 {
			flush()
			curStart, curEnd = -1, -1

			pos := p.Start
			for p.End-pos > size {
				cut := splitPoint(text[pos:p.End], size)
				raw := text[pos : pos+cut]
				trimmed := strings.TrimSpace(raw)
				if trimmed != "" {
					chunks = append(chunks, chunkSpan{Text: trimmed, Span: Span{Start: pos, End: pos + cut}})
				}
				next := pos + cut - overlap
				if next <= pos {
					next = pos + cut
				}
				pos = next
			}
			if pos < p.End {
				curStart, curEnd = pos, p.End
			}
			continue
		}

		if curStart < 0 {
			curStart, curEnd = p.Start, p.End
			continue
		}

		// Would adding this paragraph exceed the chunk size?
		if (p.End-curStart) > size && curEnd > curStart {
			flush()
			newStart := curEnd - overlap
			if newStart < curStart {
				newStart = curStart
			}
			curStart = newStart
			curEnd = p.End
			continue
		}
		curEnd = p.End
	}
	flush()

	return chunks
}

// paragraphSpans returns the character ranges of blank-line-separated
// paragraphs, skipping whitespace-only runs.
func paragraphSpans(text string) []Span {
	var spans []Span
	start := 0
	i := 0
	n := len(text)
	for i < n {
		// Find a blank line: two consecutive newlines.
		j := strings.Index(text[i:], "\n\n")
		if j < 0 {
			break
		}
		end := i + j
		if strings.TrimSpace(text[start:end]) != "" {
			spans = append(spans, Span{Start: start, End: end})
		}
		// Skip the separator run.
		k := end
		for k < n && (text[k] == '\n' || text[k] == '\r') {
			k++
		}
		start = k
		i = k
	}
	if start < n && strings.TrimSpace(text[start:]) != "" {
		spans = append(spans, Span{Start: start, End: n})
	}
	return spans
}

// splitPoint picks the cut offset for an oversized paragraph segment.
// Preference order inside [0.7*size, size]: last sentence terminator,
// last newline, last space; fallback is a hard cut at size.
func splitPoint(s string, size int) int {
	if len(s) <= size {
		return len(s)
	}
	lo := size * 7 / 10
	window := s[lo:size]

	if idx := strings.LastIndexAny(window, ".?!"); idx >= 0 {
		return lo + idx + 1
	}
	if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
		return lo + idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		return lo + idx + 1
	}
	return size
}
