package format

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Concise thresholds. Output at or below both limits is left alone.
const (
	ConciseMaxWidth  = 800
	ConciseMaxLines  = 12
	ConciseLines     = 6
	ConciseLineWidth = 120
)

var (
	structuredRe = regexp.MustCompile("(?m)^\\s*(#{1,6}\\s|[-*+•]\\s|\\d+[.)]\\s|>|```|\\|.*\\|)")
	listItemRe   = regexp.MustCompile(`^\s*([-*+•]|\d+[.)、])\s*\S`)
	sentenceRe   = regexp.MustCompile(`[^.!?。！？\n]+[.!?。！？]*`)

	detailRe   = regexp.MustCompile(`(?i)\b(details?|detailed|full|verbose|everything|complete output|step by step)\b|详细|完整|全部|具体`)
	noDetailRe = regexp.MustCompile(`(?i)\b(no|without|skip|don'?t need( the)?|do not need( the)?)\s+(details?|detail)\b|\bbrief(ly)?\b|不需要详细|不用详细|不要详细|简单说|简要`)

	mdImageRe   = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	pathImageRe = regexp.MustCompile(`(?i)(?:^|[\s("'` + "`" + `])((?:~|\.{1,2})?/[^\s()"'` + "`" + `]+\.(?:png|jpe?g|gif|webp))\b`)
)

// IsStructured reports whether text carries markdown structure (headings,
// lists, code fences, blockquotes or tables).
func IsStructured(text string) bool {
	return structuredRe.MatchString(text)
}

// Normalize strips ANSI sequences, collapses adjacent duplicate lines and runs
// of blank lines, and splits long unstructured paragraphs into short groups
// of sentences. Markdown-structured text keeps its layout.
func Normalize(text string) string {
	text = StripANSI(strings.ReplaceAll(text, "\r\n", "\n"))
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	prev := ""
	blank := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		if line == prev && !blank {
			continue
		}
		out = append(out, line)
		prev = line
		blank = false
	}
	text = strings.TrimSpace(strings.Join(out, "\n"))
	if text == "" || IsStructured(text) {
		return text
	}

	paras := strings.Split(text, "\n\n")
	for i, p := range paras {
		if strings.Contains(p, "\n") || runewidth.StringWidth(p) <= 240 {
			continue
		}
		paras[i] = regroup(sentences(p), 3)
	}
	return strings.Join(paras, "\n\n")
}

func sentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func regroup(sents []string, per int) string {
	var groups []string
	for i := 0; i < len(sents); i += per {
		end := min(i+per, len(sents))
		groups = append(groups, strings.Join(sents[i:end], " "))
	}
	return strings.Join(groups, "\n\n")
}

// Concise reduces long output to at most ConciseLines representative lines:
// list items when there are several, otherwise the leading sentences. Text
// within ConciseMaxWidth and ConciseMaxLines is returned unchanged, so
// Concise(Concise(s)) == Concise(s).
func Concise(text string) string {
	text = strings.TrimSpace(text)
	lines := strings.Split(text, "\n")
	if runewidth.StringWidth(text) <= ConciseMaxWidth && len(lines) <= ConciseMaxLines {
		return text
	}

	var picked []string
	for _, l := range lines {
		if listItemRe.MatchString(l) {
			picked = append(picked, strings.TrimSpace(l))
		}
	}
	if len(picked) < 2 {
		picked = sentences(strings.ReplaceAll(text, "```", ""))
	}
	if len(picked) > ConciseLines {
		picked = picked[:ConciseLines]
	}
	for i, l := range picked {
		picked[i] = runewidth.Truncate(l, ConciseLineWidth, "…")
	}
	return strings.Join(picked, "\n")
}

// WantsDetail reports whether a request asks for the full output. An explicit
// refusal ("don't need details") wins over a detail keyword.
func WantsDetail(request string) bool {
	if noDetailRe.MatchString(request) {
		return false
	}
	return detailRe.MatchString(request)
}

// Chunk splits text into pieces of at most limit runes, preferring line breaks.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) > limit {
			flush()
		}
		for len(r) > limit {
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return chunks
}

// ExtractImages returns markdown image targets and local image paths found in
// text, in order of appearance and without duplicates.
func ExtractImages(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, m := range mdImageRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	stripped := mdImageRe.ReplaceAllString(text, " ")
	for _, m := range pathImageRe.FindAllStringSubmatch(stripped, -1) {
		add(m[1])
	}
	return out
}
