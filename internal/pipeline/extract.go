package pipeline

import (
	"fmt"
	"strings"

	prose "github.com/jdkato/prose/v2"
)

// ExtractSections segments normalized text into sentence-aligned
// sections of at most maxChars characters, ready for prompt insertion.
func ExtractSections(text string, maxChars int) ([]string, error) {
	if maxChars <= 0 {
		maxChars = 20000
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to segment text: %w", err)
	}

	sentences := doc.Sentences()
	if len(sentences) == 0 {
		return nil, fmt.Errorf("no sentences extracted")
	}

	var sections []string
	var current strings.Builder

	for _, sentence := range sentences {
		if current.Len() > 0 && current.Len()+len(sentence.Text)+1 > maxChars {
			sections = append(sections, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence.Text)
	}

	if current.Len() > 0 {
		sections = append(sections, current.String())
	}

	return sections, nil
}

// joinSections flattens extracted sections back into one prompt
// variable, truncated at the configured bound the way the provider's
// context window demands. Re-chunking oversized documents is an
// upstream concern; the bound keeps a single prompt within reach.
func joinSections(sections []string, maxChars int) string {
	joined := strings.Join(sections, "\n\n")
	if maxChars > 0 && len(joined) > maxChars {
		joined = joined[:maxChars]
	}
	return joined
}
