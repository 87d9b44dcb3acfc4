package reasoning

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/chakravyuh/internal/chunker"
	"github.com/fyrsmithlabs/chakravyuh/internal/retrieval"
)

const systemPrompt = "You are a careful security assistant that answers using only the provided context. " +
	"If the context is insufficient or conflicting, say so. " +
	"Cite with [n] using the bracket numbers of the context items."

const structuredInstructions = `- Produce a CIA/AAA threat model as a single JSON object with keys:
  scope_summary (string), confidentiality, integrity, availability,
  authentication, authorization, accounting (each a list of findings),
  key_controls (list of strings), residual_risk_rating (low|medium|high),
  assumptions (list of strings).
- Each finding is {"risk", "impact", "likelihood", "mitigations": [..], "citations": [..]}.
- citations hold the chunk_id values of the context items supporting the finding.
- Use an empty list for a category with no supported findings.
- At most %d findings per category.
`

// packed is one evidence item after truncation to the token budget.
type packed struct {
	n        int
	evidence retrieval.Evidence
	text     string
	tokens   int
}

// pack truncates each evidence text to perChunk tokens and stops once
// budget tokens are used.
func pack(tok chunker.Tokenizer, evidence []retrieval.Evidence, perChunk, budget int) []packed {
	out := make([]packed, 0, len(evidence))
	remaining := budget
	for _, e := range evidence {
		if remaining <= 0 {
			break
		}
		limit := min(perChunk, remaining)
		text, n := chunker.Truncate(tok, strings.TrimSpace(e.Text), limit)
		out = append(out, packed{n: len(out) + 1, evidence: e, text: text, tokens: n})
		remaining -= n
	}
	return out
}

func buildPrompt(query string, items []packed, structured bool, maxFindings int) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "[%d] chunk_id=%s", it.n, it.evidence.ChunkID)
		if it.evidence.ServiceName != "" {
			fmt.Fprintf(&b, " service=%s", it.evidence.ServiceName)
		}
		if it.evidence.URI != "" {
			fmt.Fprintf(&b, "\nSOURCE: %s", it.evidence.URI)
		}
		b.WriteString("\n")
		b.WriteString(it.text)
		b.WriteString("\n\n")
	}
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nInstructions:\n- Use the most relevant context items.\n- Include bracketed citations like [1], [2].\n")
	if structured {
		fmt.Fprintf(&b, structuredInstructions, maxFindings)
	}
	return b.String()
}

var bracketRef = regexp.MustCompile(`\[(\d{1,3})\]`)

// citedIDs returns the chunk IDs referenced as [n] in text, in first-seen
// order. Out-of-range references are ignored.
func citedIDs(text string, items []packed) []string {
	seen := make(map[int]bool)
	var ids []string
	for _, m := range bracketRef.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(items) || seen[n] {
			continue
		}
		seen[n] = true
		ids = append(ids, items[n-1].evidence.ChunkID)
	}
	return ids
}

// resolver maps model citations to chunk IDs present in evidence.
func resolver(evidence []retrieval.Evidence, items []packed) func(string) (string, bool) {
	known := make(map[string]bool, len(evidence))
	for _, e := range evidence {
		known[e.ChunkID] = true
	}
	return func(cite string) (string, bool) {
		cite = strings.TrimSpace(cite)
		if known[cite] {
			return cite, true
		}
		n, err := strconv.Atoi(strings.Trim(cite, "[] "))
		if err == nil && n >= 1 && n <= len(items) {
			return items[n-1].evidence.ChunkID, true
		}
		return "", false
	}
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
