package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/civicdocs/backend/pkg/config"
)

const listingPage = `<html><body>
<h1>Board Meetings</h1>
<table>
	<tr><th>Date</th><th>Agenda</th><th>Minutes</th></tr>
	<tr>
		<td>January 6, 2026</td>
		<td><a href="/agendas/2026-01-06">Agenda</a></td>
		<td><a href="/minutes/2026-01-06">Minutes</a></td>
	</tr>
	<tr>
		<td>February 3, 2026</td>
		<td><a href="/agendas/2026-02-03">Agenda</a></td>
		<td><a href="https://archive.example.org/minutes/2026-02-03">Minutes</a></td>
	</tr>
	<tr>
		<td>March 3, 2026</td>
		<td><a href="/agendas/2026-03-03">Agenda</a></td>
		<td>Not yet posted</td>
	</tr>
</table>
</body></html>`

func testAdapter(baseURL string) *MeetingsAdapter {
	return NewMeetingsAdapter(config.SourceConfig{
		Name:        "cityhall",
		BaseURL:     baseURL,
		ListingPath: "/meetings",
	})
}

func TestListCandidates_ParsesListingTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meetings" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	candidates, err := testAdapter(srv.URL).ListCandidates(context.Background())
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}

	// Header row and the row without a minutes link are skipped.
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}

	first := candidates[0]
	if first.URL != srv.URL+"/minutes/2026-01-06" {
		t.Errorf("relative link not resolved: %s", first.URL)
	}
	if first.Date != "January 6, 2026" {
		t.Errorf("date = %q", first.Date)
	}
	if !strings.Contains(first.Title, "January 6, 2026") {
		t.Errorf("title should carry the meeting date: %q", first.Title)
	}

	if candidates[1].URL != "https://archive.example.org/minutes/2026-02-03" {
		t.Errorf("absolute link rewritten: %s", candidates[1].URL)
	}
}

func TestListCandidates_NoTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>Maintenance</p></body></html>"))
	}))
	defer srv.Close()

	if _, err := testAdapter(srv.URL).ListCandidates(context.Background()); err == nil {
		t.Fatal("expected error for listing without a table")
	}
}

func TestListCandidates_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := testAdapter(srv.URL).ListCandidates(context.Background()); err == nil {
		t.Fatal("expected error for 500 listing response")
	}
}

func TestFetchContent_ReturnsBodyAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "CivicDocs") {
			t.Errorf("unexpected user agent: %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>minutes</body></html>"))
	}))
	defer srv.Close()

	adapter := testAdapter(srv.URL)
	raw, contentType, err := adapter.FetchContent(context.Background(), CandidateRef{
		URL: srv.URL + "/minutes/2026-01-06",
	})
	if err != nil {
		t.Fatalf("FetchContent failed: %v", err)
	}
	if !strings.Contains(string(raw), "minutes") {
		t.Errorf("body = %q", raw)
	}
	if contentType != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", contentType)
	}
}

func TestFetchContent_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	adapter := testAdapter(srv.URL)
	if _, _, err := adapter.FetchContent(context.Background(), CandidateRef{URL: srv.URL + "/gone"}); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
