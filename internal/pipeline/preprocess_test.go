package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize_StripsMarkup(t *testing.T) {
	raw := []byte(`<html>
		<head><title>Minutes</title><style>body { color: red; }</style></head>
		<body>
			<nav>Home | Meetings | Contact</nav>
			<main>
				<h1>Board Meeting</h1>
				<p>The board approved the budget.</p>
				<script>trackPageView();</script>
			</main>
			<footer>City Hall, Room 244</footer>
		</body>
	</html>`)

	text, err := Normalize(raw, "text/html; charset=utf-8")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if !strings.Contains(text, "The board approved the budget.") {
		t.Errorf("body text missing: %q", text)
	}
	for _, leaked := range []string{"trackPageView", "color: red", "Home |", "Room 244"} {
		if strings.Contains(text, leaked) {
			t.Errorf("markup content leaked into text: %q", leaked)
		}
	}
	if strings.Contains(text, "\n") || strings.Contains(text, "  ") {
		t.Errorf("whitespace not collapsed: %q", text)
	}
}

func TestNormalize_PlainText(t *testing.T) {
	text, err := Normalize([]byte("Motion   carried.\n\nMeeting adjourned."), "text/plain")
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if text != "Motion carried. Meeting adjourned." {
		t.Errorf("unexpected text: %q", text)
	}
}

func TestNormalize_UnsupportedFormat(t *testing.T) {
	cases := []struct {
		name        string
		raw         []byte
		contentType string
	}{
		{"pdf", []byte("%PDF-1.4"), "application/pdf"},
		{"image", []byte{0xFF, 0xD8}, "image/jpeg"},
		{"empty html", []byte("<html><body></body></html>"), "text/html"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw, tc.contentType)
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
			}
		})
	}
}

func TestExtractSections_SentenceAligned(t *testing.T) {
	text := "The board met on Tuesday. The budget was approved unanimously. " +
		"Public comment lasted an hour. The meeting adjourned at nine."

	sections, err := ExtractSections(text, 60)
	if err != nil {
		t.Fatalf("ExtractSections failed: %v", err)
	}

	if len(sections) < 2 {
		t.Fatalf("expected text split across sections, got %d", len(sections))
	}
	for _, section := range sections {
		if len(section) > 60 {
			t.Errorf("section exceeds limit: %d chars", len(section))
		}
		if !strings.HasSuffix(strings.TrimSpace(section), ".") {
			t.Errorf("section not sentence-aligned: %q", section)
		}
	}

	joined := strings.Join(sections, " ")
	if joined != text {
		t.Errorf("sections lost content:\nwant %q\ngot  %q", text, joined)
	}
}

func TestExtractSections_SingleSection(t *testing.T) {
	sections, err := ExtractSections("One short sentence.", 20000)
	if err != nil {
		t.Fatalf("ExtractSections failed: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
}

func TestJoinSections_TruncatesAtBound(t *testing.T) {
	sections := []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}

	joined := joinSections(sections, 40)
	if len(joined) != 40 {
		t.Errorf("expected truncation to 40 chars, got %d", len(joined))
	}

	full := joinSections(sections, 0)
	if len(full) != 62 {
		t.Errorf("zero bound should not truncate, got %d chars", len(full))
	}
}
