// roomy-discord-bridge - A Discord-Roomy bridging engine.
// Copyright (C) 2026 Roomy Chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package msgfmt

import (
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// Split cuts markdown into chunks of at most limit bytes, preferring
// top-level block boundaries so formatting stays intact. A single block
// larger than the limit degrades to line and finally rune splitting.
func Split(content string, limit int) []string {
	if len(content) <= limit {
		if content == "" {
			return nil
		}
		return []string{content}
	}
	source := []byte(content)
	doc := parser.NewParser(
		parser.WithBlockParsers(parser.DefaultBlockParsers()...),
		parser.WithInlineParsers(parser.DefaultInlineParsers()...),
		parser.WithParagraphTransformers(parser.DefaultParagraphTransformers()...),
	).Parse(text.NewReader(source))

	var blocks []string
	starts := blockStarts(doc, source)
	for i, start := range starts {
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		block := strings.TrimRight(content[start:end], "\n")
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		blocks = []string{content}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, block := range blocks {
		if len(block) > limit {
			flush()
			chunks = append(chunks, splitOversized(block, limit)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(block)+2 > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(block)
	}
	flush()
	return chunks
}

// blockStarts returns the byte offset of every top-level block in document
// order. Container blocks without own line spans use the span of their
// deepest descendants. Starts are snapped to the beginning of their line
// because goldmark segments exclude block markers, and fenced code blocks
// back up one more line to include the opening fence.
func blockStarts(doc ast.Node, source []byte) []int {
	var starts []int
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		start, ok := nodeStart(child, source)
		if !ok {
			continue
		}
		start = lineStart(source, start)
		if _, fenced := child.(*ast.FencedCodeBlock); fenced && start > 0 {
			start = lineStart(source, start-1)
		}
		starts = append(starts, start)
	}
	return starts
}

func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

func nodeStart(node ast.Node, source []byte) (int, bool) {
	if lines := node.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start, true
	}
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if start, ok := nodeStart(child, source); ok {
			return start, true
		}
	}
	return 0, false
}

func splitOversized(block string, limit int) []string {
	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(block, "\n") {
		for len(line) > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			cut := limit
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if current.Len() > 0 && current.Len()+len(line)+1 > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
