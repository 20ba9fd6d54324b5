// Package debugview exposes the Read-only Archive View (spec §4.10) over
// HTTP for local operator inspection: verify, search, and existence_proof,
// and nothing else. It never takes a write path against the archive, so it
// is safe to run alongside a writer process holding the container's lock.
package debugview

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/chartly-labs/mailvault/internal/archive"
)

// Backend is the subset of the top-level engine's surface this view
// needs. Both *mailvault.Engine and *archive.View satisfy it, so this
// handler can run against either a live writer's in-process handles or a
// standalone read-only view opened against a file someone else owns.
type Backend interface {
	Verify(ctx context.Context) (archive.Report, error)
	Search(ctx context.Context, criteria archive.Criteria) ([]archive.Hit, error)
	ExistenceProof(ctx context.Context, blockID int64) (archive.Proof, error)
}

type handler struct {
	backend Backend
}

// New builds a gorilla/mux router exposing GET /verify, GET /search, and
// GET /proof/{blockID} as thin JSON wrappers around backend.
func New(backend Backend) http.Handler {
	h := &handler{backend: backend}

	router := mux.NewRouter()
	router.HandleFunc("/verify", h.handleVerify).Methods(http.MethodGet)
	router.HandleFunc("/search", h.handleSearch).Methods(http.MethodGet)
	router.HandleFunc("/proof/{blockID}", h.handleProof).Methods(http.MethodGet)
	return router
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.backend.Verify(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := archive.Criteria{
		Query:     strings.TrimSpace(q.Get("q")),
		FromEmail: strings.TrimSpace(q.Get("from")),
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid date_from"})
			return
		}
		criteria.DateFrom = t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid date_to"})
			return
		}
		criteria.DateTo = t
	}

	hits, err := h.backend.Search(r.Context(), criteria)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *handler) handleProof(w http.ResponseWriter, r *http.Request) {
	blockIDStr := mux.Vars(r)["blockID"]
	blockID, err := strconv.ParseInt(blockIDStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid block id"})
		return
	}

	proof, err := h.backend.ExistenceProof(r.Context(), blockID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proofView{
		BlockHash:   hex.EncodeToString(proof.BlockHash[:]),
		ChainHash:   hex.EncodeToString(proof.ChainHash[:]),
		Sequence:    proof.Sequence,
		MerkleRoot:  hex.EncodeToString(proof.MerkleRoot[:]),
		GeneratedAt: proof.GeneratedAt,
	})
}

// proofView is Proof re-keyed for JSON: fixed-size byte arrays serialize
// as base64 by default, which isn't what an operator pasting this into a
// terminal wants to read.
type proofView struct {
	BlockHash   string    `json:"block_hash"`
	ChainHash   string    `json:"chain_hash"`
	Sequence    int64     `json:"sequence"`
	MerkleRoot  string    `json:"merkle_root"`
	GeneratedAt time.Time `json:"generated_at"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
