package debugview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chartly-labs/mailvault/internal/archive"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

type fakeBackend struct {
	report archive.Report
	hits   []archive.Hit
	proof  archive.Proof
	err    error
}

func (f *fakeBackend) Verify(ctx context.Context) (archive.Report, error) {
	return f.report, f.err
}

func (f *fakeBackend) Search(ctx context.Context, criteria archive.Criteria) ([]archive.Hit, error) {
	return f.hits, f.err
}

func (f *fakeBackend) ExistenceProof(ctx context.Context, blockID int64) (archive.Proof, error) {
	if blockID != 42 {
		return archive.Proof{}, verrors.New(verrors.NotFound, "debugview_test", "no such block")
	}
	return f.proof, nil
}

func TestHandleVerify(t *testing.T) {
	backend := &fakeBackend{report: archive.Report{HeaderOK: true, ChecksumPassCount: 3}}
	srv := httptest.NewServer(New(backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/verify")
	if err != nil {
		t.Fatalf("GET /verify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report archive.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.HeaderOK || report.ChecksumPassCount != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestHandleSearchWithDateRange(t *testing.T) {
	backend := &fakeBackend{hits: []archive.Hit{{CompoundKey: "1:0"}}}
	srv := httptest.NewServer(New(backend))
	defer srv.Close()

	url := srv.URL + "/search?q=hello&date_from=2026-01-01T00:00:00Z&date_to=2026-01-02T00:00:00Z"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /search: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var hits []archive.Hit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].CompoundKey != "1:0" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestHandleSearchRejectsBadDate(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(New(backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/search?date_from=not-a-date")
	if err != nil {
		t.Fatalf("GET /search: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleProofFound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := &fakeBackend{proof: archive.Proof{Sequence: 7, GeneratedAt: now}}
	srv := httptest.NewServer(New(backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proof/42")
	if err != nil {
		t.Fatalf("GET /proof/42: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHandleProofNotFound(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(New(backend))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proof/99")
	if err != nil {
		t.Fatalf("GET /proof/99: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
