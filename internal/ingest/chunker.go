package ingest

import (
	"strings"
	"unicode"
)

// Chunking parameters. Sizes are counted in runes so multi-byte text
// never splits mid-character.
const (
	defaultChunkSize    = 1200
	defaultChunkOverlap = 150
	sentenceTail        = 100
)

type ChunkOptions struct {
	MaxChars int
	Overlap  int
}

func (o ChunkOptions) normalized() ChunkOptions {
	if o.MaxChars <= 0 {
		o.MaxChars = defaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxChars {
		o.Overlap = o.MaxChars / 4
	}
	return o
}

// Chunk is one window of document text. PageStart/PageEnd are 1-based
// and zero when the source has no page structure.
type Chunk struct {
	Index     int
	Text      string
	PageStart int
	PageEnd   int
}

// Page is one page of extracted PDF text, in reading order.
type Page struct {
	Number int
	Text   string
}

type span struct{ start, end int }

// ChunkText splits text into overlapping windows. A window that would
// cut mid-sentence is pulled back to the nearest sentence terminator
// within the trailing tail, when one exists.
func ChunkText(text string, opts ChunkOptions) []Chunk {
	runes := []rune(text)
	chunks := make([]Chunk, 0, len(runes)/defaultChunkSize+1)
	for _, sp := range windowSpans(runes, opts.normalized()) {
		start, end := trimSpan(runes, sp)
		if start >= end {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[start:end])})
	}
	return chunks
}

// ChunkPages splits page-structured text the same way ChunkText does,
// letting windows cross page boundaries. Each chunk records the page
// span it covers.
func ChunkPages(pages []Page, opts ChunkOptions) []Chunk {
	var (
		runes  []rune
		pageAt []int
	)
	for _, p := range pages {
		t := strings.TrimSpace(p.Text)
		if t == "" {
			continue
		}
		if len(runes) > 0 {
			prev := pageAt[len(pageAt)-1]
			runes = append(runes, '\n', '\n')
			pageAt = append(pageAt, prev, prev)
		}
		for _, r := range t {
			runes = append(runes, r)
			pageAt = append(pageAt, p.Number)
		}
	}
	chunks := make([]Chunk, 0, len(runes)/defaultChunkSize+1)
	for _, sp := range windowSpans(runes, opts.normalized()) {
		start, end := trimSpan(runes, sp)
		if start >= end {
			continue
		}
		first, last := pageAt[start], pageAt[start]
		for i := start + 1; i < end; i++ {
			if pageAt[i] < first {
				first = pageAt[i]
			}
			if pageAt[i] > last {
				last = pageAt[i]
			}
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      string(runes[start:end]),
			PageStart: first,
			PageEnd:   last,
		})
	}
	return chunks
}

func windowSpans(runes []rune, opts ChunkOptions) []span {
	n := len(runes)
	var spans []span
	pos := 0
	for pos < n {
		end := pos + opts.MaxChars
		if end >= n {
			spans = append(spans, span{pos, n})
			break
		}
		end = sentenceBreak(runes, pos, end)
		spans = append(spans, span{pos, end})
		next := end - opts.Overlap
		if next <= pos {
			// Overlap would stall the window; give up the overlap
			// rather than loop.
			next = end
		}
		pos = next
	}
	return spans
}

// sentenceBreak pulls the window end back to just after the last
// sentence terminator in the trailing tail. No terminator close enough
// means a hard cut at the window edge.
func sentenceBreak(runes []rune, start, end int) int {
	lo := end - sentenceTail
	if lo <= start {
		lo = start + 1
	}
	for i := end - 1; i >= lo; i-- {
		switch runes[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	return end
}

func trimSpan(runes []rune, sp span) (int, int) {
	start, end := sp.start, sp.end
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return start, end
}
