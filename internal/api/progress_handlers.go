package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/progress/sinks"
)

const (
	defaultTermLimit = 50
	maxTermLimit     = 500
)

// TermBoard is the read side of the in-memory progress board.
type TermBoard interface {
	Get(term string) (sinks.TermProgress, error)
	List(status *sinks.TermStatus, limit, offset int) []sinks.TermProgress
	Counts() map[sinks.TermStatus]int
}

// TermHandler exposes read-only per-term progress endpoints.
type TermHandler struct {
	board  TermBoard
	logger *zap.Logger
}

// NewTermHandler wires the board and logger.
func NewTermHandler(board TermBoard, logger *zap.Logger) *TermHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TermHandler{board: board, logger: logger}
}

// ListTerms handles GET /v1/terms?status=&limit=&offset=. It returns
// {"terms": [...], "counts": {...}} on success, 400 for invalid filters, or
// 503 when no board is attached.
func (h *TermHandler) ListTerms(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress board unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTermLimit, maxTermLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *sinks.TermStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	terms := h.board.List(status, limit, offset)
	counts := make(map[string]int)
	for k, v := range h.board.Counts() {
		counts[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"terms":  toTermDTOs(terms),
		"counts": counts,
	})
}

// GetTerm handles GET /v1/terms/{term}. The term is path-escaped by the
// client. It returns {"term": {...}}, 404 for unknown terms, or 503 when no
// board is attached.
func (h *TermHandler) GetTerm(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress board unavailable")
		return
	}
	term, err := url.PathUnescape(chi.URLParam(r, "term"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid term")
		return
	}
	entry, err := h.board.Get(term)
	if err != nil {
		if errors.Is(err, sinks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "term not found")
			return
		}
		h.logger.Error("get term failed", zap.String("term", term), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load term")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"term": toTermDTO(entry)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (sinks.TermStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return sinks.TermRunning, nil
	case "success", "done":
		return sinks.TermSuccess, nil
	case "error", "failed", "failure":
		return sinks.TermError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toTermDTOs(in []sinks.TermProgress) []termDTO {
	out := make([]termDTO, 0, len(in))
	for _, entry := range in {
		out = append(out, toTermDTO(entry))
	}
	return out
}

func toTermDTO(entry sinks.TermProgress) termDTO {
	dto := termDTO{
		Term:       entry.Term,
		Worker:     entry.Worker,
		Status:     string(entry.Status),
		StartedAt:  entry.StartedAt,
		FinishedAt: entry.FinishedAt,
		Pages:      entry.Pages,
		Records:    entry.Records,
		Admitted:   entry.Admitted,
	}
	if entry.Error != "" {
		msg := entry.Error
		dto.Error = &msg
	}
	return dto
}

type termDTO struct {
	Term       string     `json:"term"`
	Worker     int        `json:"worker"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Pages      int        `json:"pages"`
	Records    int        `json:"records"`
	Admitted   int        `json:"admitted"`
	Error      *string    `json:"error,omitempty"`
}
