package source

import "context"

// CandidateRef is a lightweight pointer to a document discovered on a
// listing page, prior to any content download.
type CandidateRef struct {
	Title string
	URL   string
	Date  string
}

// Adapter is the capability interface one external document source
// implements. ListCandidates must stay cheap (a listing page fetch,
// never content downloads) and restarts from scratch on every call.
type Adapter interface {
	Name() string
	ListCandidates(ctx context.Context) ([]CandidateRef, error)
	FetchContent(ctx context.Context, ref CandidateRef) ([]byte, string, error)
}
