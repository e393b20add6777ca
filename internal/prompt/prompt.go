// Package prompt renders the tumor board prompts: case rewriting, the plain
// request, the hosted assistant request and the retrieval-augmented request.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/seanblong/tumorboard/pkg/models"
)

// Mode selects the board configuration a prompt is built for.
type Mode string

const (
	ModeSimple      Mode = "simple"
	ModeAssistant   Mode = "assistant"
	ModeRAGFull     Mode = "rag_full"
	ModeRAGSelected Mode = "rag_selected"
)

var Modes = []Mode{ModeSimple, ModeAssistant, ModeRAGFull, ModeRAGSelected}

var ErrChunksRequired = errors.New("retrieved chunks required for retrieval modes")

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("invalid mode %q: must be one of simple, assistant, rag_full, rag_selected", s)
}

// Retrieval reports whether the mode needs guideline chunks.
func (m Mode) Retrieval() bool {
	return m == ModeRAGFull || m == ModeRAGSelected
}

const rewriteText = `I would like to use the following clinical case in a Retrieval-Augmented Generation (RAG) workflow, referencing oncological guidelines to determine the next therapeutic step.

Please rewrite the case in a concise and standardized format, using clinical terminology and structure typically found in oncology guidelines.

Return only the reformulated case, without additional commentary.

#########

Clinical case: {{.CaseText}}`

const simpleText = `You are a multidisciplinary oncological board with surgeons, oncologists, radiologists, radiation oncologists, and pathologists. Decide the next therapeutic step for the patient. Patient details are enclosed within triple single quotation marks (''' ''').

If a 'Fragestellung' is present, answer precisely; otherwise, respond based on expertise. Do not suggest referral or further discussion. Answer in German, 1–2 sentences, starting with 'Das Board empfiehlt'.

### Actual case:

'''{{.CaseText}}'''`

const assistantText = `You are a multidisciplinary oncological board (surgeons, oncologists, radiologists, radiation oncologists, pathologists). Determine the next therapeutic step based on patient details and attached guidelines.

Patient details under 'Actual Case' (''' '''). Analyze the case in the context of the guidelines (attached files) and provide a concise German recommendation in 1–2 sentences, starting with 'Das Board empfiehlt'.

### Actual case:

'''{{.CaseText}}'''`

const ragText = `You are a multidisciplinary oncological board (surgeons, oncologists, radiologists, radiation oncologists, pathologists). Determine the next therapeutic step for the patient based on:

1. Patient clinical details under 'Actual Case' (''' ''')
2. Relevant guideline excerpts under 'Context' (''' ''')

Formulate a concise German recommendation in 1–2 sentences, starting with 'Das Board empfiehlt'.

### Actual case:

'''{{.CaseText}}'''

### Context:

'''{{.Context}}'''`

var (
	rewriteTmpl   = template.Must(template.New("rewrite").Parse(rewriteText))
	simpleTmpl    = template.Must(template.New("simple").Parse(simpleText))
	assistantTmpl = template.Must(template.New("assistant").Parse(assistantText))
	ragTmpl       = template.Must(template.New("rag").Parse(ragText))
)

type data struct {
	CaseText string
	Context  string
}

func render(t *template.Template, d data) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, d); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}

// Rewrite builds the prompt asking the model to restate a case in
// guideline terminology.
func Rewrite(caseText string) (string, error) {
	return render(rewriteTmpl, data{CaseText: caseText})
}

// Build renders the board prompt for mode. Retrieval modes need chunks
// (an empty, non-nil slice is allowed and yields an empty context).
func Build(caseText string, mode Mode, chunks []models.RetrievedChunk) (string, error) {
	switch mode {
	case ModeSimple:
		return render(simpleTmpl, data{CaseText: caseText})
	case ModeAssistant:
		return render(assistantTmpl, data{CaseText: caseText})
	case ModeRAGFull, ModeRAGSelected:
		if chunks == nil {
			return "", fmt.Errorf("%s: %w", mode, ErrChunksRequired)
		}
		return render(ragTmpl, data{CaseText: caseText, Context: FormatContext(chunks)})
	default:
		return "", fmt.Errorf("invalid mode %q", mode)
	}
}

// FormatContext renders one line per chunk, in the order given.
func FormatContext(chunks []models.RetrievedChunk) string {
	lines := make([]string, 0, len(chunks))
	for _, c := range chunks {
		id := c.ChunkID.String()
		if id == "" {
			id = "Unknown"
		}
		source := c.Source
		if source == "" {
			source = "Unknown source"
		}
		lines = append(lines, fmt.Sprintf("- Chunk %s - %s: %s", id, source, c.Text))
	}
	return strings.Join(lines, "\n")
}
