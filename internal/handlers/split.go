package handlers

import (
	"fmt"
	"regexp"
	"strings"
)

// SplitItem is one chunk produced by a split strategy, matching FilePair's
// shape before persistence.
type SplitItem struct {
	Size       int
	Content    string
	Summary    string
	Name       string
	ChunkIndex int // 1-based, position + 1 (§4.2)
}

func buildChunkName(fileName string, index int) string {
	return fmt.Sprintf("%s-chunk-%d", fileName, index+1)
}

// SplitFile dispatches to the configured chunk strategy.
func SplitFile(fileName, content, strategy string) ([]SplitItem, error) {
	switch strategy {
	case "markdown":
		return splitMarkdown(fileName, content), nil
	case "recursive":
		return splitRecursive(fileName, content, 1000, 100), nil
	case "text":
		return splitText(fileName, content, 1000, 100), nil
	case "token":
		return splitToken(fileName, content, 400), nil
	case "code":
		return splitCode(fileName, content), nil
	default:
		return nil, fmt.Errorf("unknown chunk strategy: %q", strategy)
	}
}

// splitText chunks on a fixed character window with overlap, the simplest
// strategy (grounded on the original CharacterTextSplitter usage).
func splitText(fileName, content string, chunkSize, overlap int) []SplitItem {
	var items []SplitItem
	runes := []rune(content)
	if len(runes) == 0 {
		return items
	}

	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}

	idx := 0
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		items = append(items, SplitItem{
			Size:       len(chunk),
			Content:    chunk,
			Name:       buildChunkName(fileName, idx),
			ChunkIndex: idx + 1,
		})
		idx++
		if end == len(runes) {
			break
		}
	}
	return items
}

// splitRecursive tries progressively finer separators ("\n\n", "\n", ". ",
// " ") until chunks fit under chunkSize, falling back to a hard cut.
func splitRecursive(fileName, content string, chunkSize, overlap int) []SplitItem {
	separators := []string{"\n\n", "\n", ". ", " "}
	chunks := recursiveSplit(content, separators, chunkSize)

	var items []SplitItem
	for i, c := range chunks {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		items = append(items, SplitItem{
			Size:       len(c),
			Content:    c,
			Name:       buildChunkName(fileName, i),
			ChunkIndex: i + 1,
		})
	}
	return items
}

func recursiveSplit(text string, separators []string, chunkSize int) []string {
	if len(text) <= chunkSize || len(separators) == 0 {
		return []string{text}
	}

	sep := separators[0]
	parts := strings.Split(text, sep)
	var out []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}

	for _, p := range parts {
		if buf.Len()+len(p)+len(sep) > chunkSize {
			flush()
		}
		if len(p) > chunkSize {
			out = append(out, recursiveSplit(p, separators[1:], chunkSize)...)
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(p)
	}
	flush()
	return out
}

var markdownHeaderPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// splitMarkdown chunks on every header level (# through ######), each chunk's Summary carrying
// the header text for the TOC rebuild step.
func splitMarkdown(fileName, content string) []SplitItem {
	matches := markdownHeaderPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return []SplitItem{{
			Size:       len(content),
			Content:    content,
			Name:       buildChunkName(fileName, 0),
			ChunkIndex: 1,
		}}
	}

	var items []SplitItem
	for i, m := range matches {
		start := m[0]
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		chunk := content[start:end]
		heading := content[m[4]:m[5]]
		items = append(items, SplitItem{
			Size:       len(chunk),
			Content:    strings.TrimSpace(chunk),
			Summary:    strings.TrimSpace(heading),
			Name:       buildChunkName(fileName, i),
			ChunkIndex: i + 1,
		})
	}
	return items
}

// splitToken approximates a token-budget split by word count rather than
// an actual tokenizer (no tokenizer dependency appears anywhere in the
// corpus; this stays word-based rather than fabricating one).
func splitToken(fileName, content string, tokensPerChunk int) []SplitItem {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	var items []SplitItem
	idx := 0
	for start := 0; start < len(words); start += tokensPerChunk {
		end := start + tokensPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[start:end], " ")
		items = append(items, SplitItem{
			Size:       len(chunk),
			Content:    chunk,
			Name:       buildChunkName(fileName, idx),
			ChunkIndex: idx + 1,
		})
		idx++
	}
	return items
}

var codeBoundaryPattern = regexp.MustCompile(`(?m)^(func |def |class |public |private |protected )`)

// splitCode chunks on top-level function/class boundaries.
func splitCode(fileName, content string) []SplitItem {
	bounds := codeBoundaryPattern.FindAllStringIndex(content, -1)
	if len(bounds) == 0 {
		return []SplitItem{{
			Size:       len(content),
			Content:    content,
			Name:       buildChunkName(fileName, 0),
			ChunkIndex: 1,
		}}
	}

	var items []SplitItem
	for i, b := range bounds {
		start := b[0]
		end := len(content)
		if i+1 < len(bounds) {
			end = bounds[i+1][0]
		}
		chunk := strings.TrimSpace(content[start:end])
		items = append(items, SplitItem{
			Size:       len(chunk),
			Content:    chunk,
			Name:       buildChunkName(fileName, i),
			ChunkIndex: i + 1,
		})
	}
	return items
}

// ExtractMarkdownTOC builds a flat JSON-able TOC from a markdown document's
// headers, used by FilePairGenerator to rebuild File.Catalog.
func ExtractMarkdownTOC(content string) []TOCEntry {
	matches := markdownHeaderPattern.FindAllStringSubmatch(content, -1)
	entries := make([]TOCEntry, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, TOCEntry{
			Level: len(m[1]),
			Title: strings.TrimSpace(m[2]),
		})
	}
	return entries
}

// TOCEntry is one heading in a markdown table of contents.
type TOCEntry struct {
	Level int    `json:"level"`
	Title string `json:"title"`
}
