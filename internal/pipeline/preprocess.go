package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// ErrUnsupportedFormat marks input the pipeline cannot normalize. It is
// terminal: the bytes themselves are the problem, retrying cannot help.
var ErrUnsupportedFormat = errors.New("unsupported document format")

var whitespacePattern = regexp.MustCompile(`\s+`)

// Normalize converts raw document bytes into plain analyzable text:
// corrects the encoding from the declared content type, strips markup
// for HTML documents, and collapses whitespace.
func Normalize(raw []byte, contentType string) (string, error) {
	ct := strings.ToLower(contentType)

	isHTML := ct == "" || strings.Contains(ct, "html")
	isText := strings.Contains(ct, "text/plain")

	if !isHTML && !isText {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}

	reader, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode encoding: %v", ErrUnsupportedFormat, err)
	}

	var text string
	if isHTML && !isText {
		text, err = stripMarkup(reader)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
	} else {
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		text = string(decoded)
	}

	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("%w: no analyzable text", ErrUnsupportedFormat)
	}

	return text, nil
}

func stripMarkup(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, header, footer, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	container := doc.Find("main")
	if container.Length() == 0 {
		container = doc.Find("body")
	}
	if container.Length() == 0 {
		return doc.Text(), nil
	}

	return container.Text(), nil
}
