package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// =============================================================================
// MARKDOWN CHUNKER
// =============================================================================

// maxChunkChars caps a single chunk. Sections longer than this are split
// on paragraph boundaries so every chunk stays inside one embedding call.
const maxChunkChars = 2000

// ChunkFile splits markdown content into heading-scoped chunks. Chunk keys
// are derived from the heading path, not the ordinal position, so a chunk
// keeps its key (and therefore its stored embedding) when sections move
// around inside the file.
func ChunkFile(content string) []*types.KBChunk {
	fileHash := hashText(content)
	lines := strings.Split(content, "\n")

	type section struct {
		headingPath string
		startLine   int
		endLine     int
		lines       []string
	}

	var sections []section
	var headingStack []string
	current := section{headingPath: "", startLine: 1}

	flush := func(endLine int) {
		current.endLine = endLine
		if strings.TrimSpace(strings.Join(current.lines, "\n")) != "" {
			sections = append(sections, current)
		}
	}

	for i, line := range lines {
		level, title := parseHeading(line)
		if level == 0 {
			current.lines = append(current.lines, line)
			continue
		}

		flush(i)

		// Trim the stack back to the parent of this heading level.
		if level-1 < len(headingStack) {
			headingStack = headingStack[:level-1]
		}
		for len(headingStack) < level-1 {
			headingStack = append(headingStack, "")
		}
		headingStack = append(headingStack, title)

		current = section{
			headingPath: joinHeadingPath(headingStack),
			startLine:   i + 1,
		}
	}
	flush(len(lines))

	// Duplicate heading paths get a disambiguating suffix so keys stay
	// unique within the file.
	seen := make(map[string]int)
	var chunks []*types.KBChunk
	for _, sec := range sections {
		slug := slugify(sec.headingPath)
		if n := seen[slug]; n > 0 {
			slug = fmt.Sprintf("%s~%d", slug, n)
		}
		seen[slugify(sec.headingPath)]++

		for part, piece := range splitSection(sec.lines) {
			text := strings.TrimSpace(piece.text)
			if text == "" {
				continue
			}
			chunks = append(chunks, &types.KBChunk{
				ChunkKey:        fmt.Sprintf("%s-%d", slug, part),
				Ordinal:         len(chunks),
				HeadingPath:     sec.headingPath,
				Content:         text,
				ContentHash:     hashText(text),
				FileContentHash: fileHash,
				CharCount:       len(text),
				TokenEstimate:   estimateTokens(text),
				StartLine:       sec.startLine + piece.lineOffset,
				EndLine:         sec.startLine + piece.lineOffset + piece.lineCount - 1,
			})
		}
	}
	return chunks
}

type sectionPiece struct {
	text       string
	lineOffset int
	lineCount  int
}

// splitSection breaks an oversized section on paragraph boundaries.
// Sections under the cap come back as a single piece.
func splitSection(lines []string) []sectionPiece {
	total := len(strings.Join(lines, "\n"))
	if total <= maxChunkChars {
		return []sectionPiece{{
			text:      strings.Join(lines, "\n"),
			lineCount: len(lines),
		}}
	}

	var pieces []sectionPiece
	var buf []string
	bufStart := 0
	bufChars := 0

	flush := func(next int) {
		if len(buf) == 0 {
			return
		}
		pieces = append(pieces, sectionPiece{
			text:       strings.Join(buf, "\n"),
			lineOffset: bufStart,
			lineCount:  len(buf),
		})
		buf = nil
		bufStart = next
		bufChars = 0
	}

	for i, line := range lines {
		blank := strings.TrimSpace(line) == ""
		if blank && bufChars >= maxChunkChars {
			flush(i + 1)
			continue
		}
		if len(buf) == 0 {
			bufStart = i
		}
		buf = append(buf, line)
		bufChars += len(line) + 1
	}
	flush(len(lines))
	return pieces
}

// parseHeading returns the ATX heading level (1-6) and title, or 0 for a
// non-heading line.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimLeft(line, " ")
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, ""
	}
	rest := trimmed[level:]
	if rest != "" && !strings.HasPrefix(rest, " ") {
		return 0, "" // "#hashtag" is not a heading
	}
	return level, strings.TrimSpace(rest)
}

func joinHeadingPath(stack []string) string {
	var parts []string
	for _, h := range stack {
		if h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, " > ")
}

// slugify turns a heading path into a stable key fragment.
func slugify(headingPath string) string {
	if headingPath == "" {
		return "preamble"
	}
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(headingPath) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "section"
	}
	if len(slug) > 80 {
		slug = slug[:80]
	}
	return slug
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// estimateTokens uses the rough 4-chars-per-token heuristic. Good enough
// for budget packing; never used for billing.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
