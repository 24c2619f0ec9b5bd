package llm

import (
	"fmt"
	"strings"
)

var stopTokens = []string{"<|im_end|>", "</s>"}

type promptTemplate struct {
	system      string
	instruction string
}

var templates = map[Style]promptTemplate{
	StyleEmail: {
		system: "You are a helpful assistant that rewrites voice transcripts as professional emails.",
		instruction: "Rewrite the following voice transcript as a professional email. " +
			"Make it clear, concise, and well-structured with proper greeting and closing.",
	},
	StyleNotes: {
		system: "You are a helpful assistant that converts voice transcripts into organized notes.",
		instruction: "Convert the following voice transcript into clear, organized notes. " +
			"Use bullet points and organize by topic where appropriate.",
	},
}

// BuildPrompt renders a ChatML prompt asking the model to rewrite transcript
// in the given style. The prompt ends with an open assistant turn.
func BuildPrompt(style Style, transcript string) (string, error) {
	tmpl, ok := templates[style]
	if !ok {
		return "", fmt.Errorf("unknown formatting style %q", style)
	}
	var b strings.Builder
	b.WriteString("<|im_start|>system\n")
	b.WriteString(tmpl.system)
	b.WriteString("<|im_end|>\n<|im_start|>user\n")
	b.WriteString(tmpl.instruction)
	b.WriteString("\n\nTranscript: ")
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	return b.String(), nil
}
