package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/pkg/config"
	"github.com/civicdocs/backend/pkg/logger"
)

const userAgent = "CivicDocs Analysis Bot 1.0"

// MeetingsAdapter scrapes a board-meetings listing page laid out as a
// table of date / agenda / minutes rows and yields one candidate per
// minutes link.
type MeetingsAdapter struct {
	name        string
	baseURL     string
	listingPath string
	client      *http.Client
}

func NewMeetingsAdapter(cfg config.SourceConfig) *MeetingsAdapter {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &MeetingsAdapter{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		listingPath: cfg.ListingPath,
		client:      &http.Client{Timeout: timeout},
	}
}

func (a *MeetingsAdapter) Name() string {
	return a.name
}

func (a *MeetingsAdapter) ListCandidates(ctx context.Context) ([]CandidateRef, error) {
	listingURL := a.baseURL + a.listingPath

	doc, err := a.fetchDocument(ctx, listingURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing page: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no meetings table found at %s", listingURL)
	}

	var candidates []CandidateRef

	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return // header row
		}

		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}

		date := strings.TrimSpace(cells.Eq(0).Text())
		link := cells.Eq(2).Find("a").First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}

		if strings.HasPrefix(href, "/") {
			href = a.baseURL + href
		}

		candidates = append(candidates, CandidateRef{
			Title: fmt.Sprintf("Board Meeting Minutes - %s", date),
			URL:   href,
			Date:  date,
		})
	})

	logger.Info("Listing scanned",
		zap.String("source", a.name),
		zap.Int("candidates", len(candidates)),
	)

	return candidates, nil
}

func (a *MeetingsAdapter) FetchContent(ctx context.Context, ref CandidateRef) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", ref.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, ref.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", ref.URL, err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (a *MeetingsAdapter) fetchDocument(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return goquery.NewDocumentFromReader(resp.Body)
}
