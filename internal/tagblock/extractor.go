// Package tagblock separates reasoning markup embedded in model output from
// the answer text shown to the user.
package tagblock

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultTags are the block names treated as non-user-facing reasoning.
var DefaultTags = []string{"think", "thinking", "thought", "thoughts", "reasoning", "reflection"}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// Block is one removed region of the source text.
type Block struct {
	Tag       string // lower-cased tag name
	Content   string // text between the opening and closing tag
	FullMatch string // opening tag, content and closing tag as they appeared
	Start     int    // byte offset of the opening tag in the source
	End       int    // byte offset just past the closing tag
}

// Result is the outcome of an extraction.
type Result struct {
	Content string
	Blocks  []Block
}

// Extractor removes well-nested tagged blocks for a fixed set of tag names.
// It is safe for concurrent use.
type Extractor struct {
	open  *regexp.Regexp
	close *regexp.Regexp
}

// New creates an Extractor recognising the given tag names (case-insensitive).
// With no names it recognises DefaultTags.
func New(tags ...string) *Extractor {
	if len(tags) == 0 {
		tags = DefaultTags
	}
	names := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		names = append(names, regexp.QuoteMeta(t))
	}
	// Longer names first so "thinking" is never shadowed by "think".
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	alt := strings.Join(names, "|")

	return &Extractor{
		open:  regexp.MustCompile(`(?i)<\s*(` + alt + `)(\s[^<>]*)?>`),
		close: regexp.MustCompile(`(?i)<\s*/\s*(` + alt + `)\s*>`),
	}
}

var defaultExtractor = New()

// Extract runs the default extractor over text.
func Extract(text string) Result {
	return defaultExtractor.Extract(text)
}

// Visible runs the default extractor's Visible over a partial text.
func Visible(partial string) string {
	return defaultExtractor.Visible(partial)
}

// Extract removes every complete block, returning the cleaned text (runs of
// three or more newlines collapsed, surrounding whitespace trimmed) and the
// removed blocks in source order. Unmatched opening tags are left in place.
func (e *Extractor) Extract(text string) Result {
	blocks, _ := e.match(text)
	if len(blocks) == 0 {
		return Result{Content: strings.TrimSpace(text)}
	}
	return Result{
		Content: strings.TrimSpace(normalize(remove(text, blocks))),
		Blocks:  blocks,
	}
}

// Visible prepares streamed, possibly incomplete text for live display.
// Complete blocks are removed and the text is cut at the first unmatched
// opening tag, which is assumed to be a block still being generated.
func (e *Extractor) Visible(partial string) string {
	blocks, unmatched := e.match(partial)
	text := partial
	for _, pos := range unmatched {
		if !inside(pos, blocks) {
			text = partial[:pos]
			break
		}
	}
	return strings.TrimLeft(normalize(remove(text, clip(blocks, len(text)))), " \t\r\n")
}

type tagPos struct {
	name  string
	start int
	end   int
	open  bool
}

type span struct {
	open  tagPos
	close tagPos
}

// match pairs opening and closing tags per tag name and returns the
// top-level blocks plus the offsets of opening tags that found no closer.
func (e *Extractor) match(text string) ([]Block, []int) {
	byName := make(map[string][]tagPos)
	for _, m := range e.open.FindAllStringSubmatchIndex(text, -1) {
		if strings.HasSuffix(strings.TrimSpace(text[m[0]:m[1]-1]), "/") {
			continue // self-closing
		}
		name := strings.ToLower(text[m[2]:m[3]])
		byName[name] = append(byName[name], tagPos{name: name, start: m[0], end: m[1], open: true})
	}
	if len(byName) == 0 {
		return nil, nil
	}
	for _, m := range e.close.FindAllStringSubmatchIndex(text, -1) {
		name := strings.ToLower(text[m[2]:m[3]])
		if _, ok := byName[name]; !ok {
			continue
		}
		byName[name] = append(byName[name], tagPos{name: name, start: m[0], end: m[1]})
	}

	var spans []span
	var unmatched []int
	for _, events := range byName {
		sort.Slice(events, func(i, j int) bool { return events[i].start < events[j].start })
		// Depth resolution is independent per name: a stack of pending
		// openings, where each closing tag pops the innermost one.
		var stack []tagPos
		for _, ev := range events {
			if ev.open {
				stack = append(stack, ev)
				continue
			}
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			spans = append(spans, span{open: top, close: ev})
		}
		for _, p := range stack {
			unmatched = append(unmatched, p.start)
		}
	}
	sort.Ints(unmatched)

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].open.start != spans[j].open.start {
			return spans[i].open.start < spans[j].open.start
		}
		return spans[i].close.end > spans[j].close.end
	})

	var blocks []Block
	for _, s := range spans {
		if len(blocks) > 0 {
			last := blocks[len(blocks)-1]
			if s.open.start >= last.Start && s.close.end <= last.End {
				continue // nested in an already reported block
			}
		}
		blocks = append(blocks, Block{
			Tag:       s.open.name,
			Content:   text[s.open.end:s.close.start],
			FullMatch: text[s.open.start:s.close.end],
			Start:     s.open.start,
			End:       s.close.end,
		})
	}
	return blocks, unmatched
}

// remove deletes the union of the block spans, last span first so earlier
// offsets stay valid.
func remove(text string, blocks []Block) string {
	if len(blocks) == 0 {
		return text
	}
	type interval struct{ start, end int }
	merged := []interval{{blocks[0].Start, blocks[0].End}}
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if b.Start < last.end {
			if b.End > last.end {
				last.end = b.End
			}
			continue
		}
		merged = append(merged, interval{b.Start, b.End})
	}
	for i := len(merged) - 1; i >= 0; i-- {
		text = text[:merged[i].start] + text[merged[i].end:]
	}
	return text
}

func clip(blocks []Block, limit int) []Block {
	var out []Block
	for _, b := range blocks {
		if b.End <= limit {
			out = append(out, b)
		}
	}
	return out
}

func inside(pos int, blocks []Block) bool {
	for _, b := range blocks {
		if pos >= b.Start && pos < b.End {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return excessNewlines.ReplaceAllString(text, "\n\n")
}
