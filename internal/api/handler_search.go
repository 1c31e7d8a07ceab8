package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lcc-server/internal/domain"
	"lcc-server/internal/service/query"
)

// maxSearchBody bounds search request bodies; cross-match inputs are the
// largest.
const maxSearchBody = 8 << 20

var searchKinds = map[string]domain.QueryKind{
	"fulltext": domain.QueryFullText,
	"column":   domain.QueryColumn,
	"cone":     domain.QueryConeSearch,
	"xmatch":   domain.QueryXMatch,
}

// SearchRequest is the body of POST /api/search/{kind}: the query fields
// plus the visibility of the resulting dataset.
type SearchRequest struct {
	domain.QuerySpec
	Visibility domain.Visibility `json:"visibility,omitempty"`
	SharedWith []int64           `json:"shared_with,omitempty"`
}

// Search handles POST /api/search/{kind}. A request rejected up front gets
// an ordinary error response. Otherwise the response is a stream of
// newline-delimited status objects ending in ok, failed or background.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	kind, ok := searchKinds[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, r, h.logger, domain.ErrNotFound("unknown search kind %q", chi.URLParam(r, "kind")))
		return
	}

	var body SearchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSearchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, h.logger, domain.ErrValidation("invalid search request: %v", err))
		return
	}
	spec := body.QuerySpec
	spec.Kind = kind

	stream := newStatusStream(w)
	req := query.Request{Spec: &spec, Visibility: body.Visibility, SharedWith: body.SharedWith}
	if _, err := h.searches.Search(r.Context(), callerOf(r), req, stream.emit); err != nil {
		writeError(w, r, h.logger, err)
	}
}

// statusStream writes status updates as NDJSON, flushing after each one.
// The response header is committed by the first update.
type statusStream struct {
	w       http.ResponseWriter
	enc     *json.Encoder
	flusher http.Flusher
	started bool
}

func newStatusStream(w http.ResponseWriter) *statusStream {
	f, _ := w.(http.Flusher)
	return &statusStream{w: w, enc: json.NewEncoder(w), flusher: f}
}

func (s *statusStream) emit(u query.StatusUpdate) {
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := s.enc.Encode(u); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
