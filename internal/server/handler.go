package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/repository"
)

// MaxBodyBytes bounds request bodies; larger payloads answer 413.
const MaxBodyBytes = 5 << 20

// MapHandler serves the REST surface over the map repository.
type MapHandler struct {
	repo   *repository.MapRepository
	logger *zap.Logger
}

// NewMapHandler creates a map handler.
func NewMapHandler(repo *repository.MapRepository, logger *zap.Logger) *MapHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MapHandler{repo: repo, logger: logger}
}

type createRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type updateRequest struct {
	Version *int64          `json:"version"`
	Name    *string         `json:"name"`
	Data    json.RawMessage `json:"data"`
}

type mapResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SizeBytes int64           `json:"sizeBytes"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func toResponse(m *domain.Map, includeData bool) mapResponse {
	resp := mapResponse{
		ID:        m.ID,
		Name:      m.Name,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt,
		SizeBytes: m.SizeBytes,
	}
	if includeData {
		resp.Data = json.RawMessage(m.StateJSON)
	}
	return resp
}

// List handles GET /maps.
func (h *MapHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, domain.Invalidf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	page, err := h.repo.List(r.Context(), r.URL.Query().Get("cursor"), limit, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Create handles POST /maps.
func (h *MapHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var data *domain.MindMap
	if len(req.Data) > 0 {
		var err error
		data, err = domain.ParseMindMap(req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	m, err := h.repo.Create(r.Context(), req.Name, data)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", repository.ETag(m.ID, m.Version))
	w.Header().Set("Location", "/maps/"+m.ID)
	writeJSON(w, http.StatusCreated, toResponse(m, true))
}

// Get handles GET /maps/{id}, honoring If-None-Match for strong-ETag caching.
func (h *MapHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := repository.ETag(m.ID, m.Version)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m, true))
}

// Update handles PUT /maps/{id}. The client's last observed version comes
// from the body, or from If-Match with a strong ETag; when both are sent
// they must agree.
func (h *MapHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	version, err := h.resolveVersion(r, id, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	in := repository.UpdateInput{Version: version, Name: req.Name}
	if len(req.Data) > 0 {
		data, err := domain.ParseMindMap(req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
		in.Data = data
	}

	m, err := h.repo.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", repository.ETag(m.ID, m.Version))
	writeJSON(w, http.StatusOK, toResponse(m, false))
}

// resolveVersion reconciles the body version with If-Match.
func (h *MapHandler) resolveVersion(r *http.Request, id string, bodyVersion *int64) (int64, error) {
	ifMatch := strings.TrimSpace(r.Header.Get("If-Match"))
	if ifMatch == "" {
		if bodyVersion == nil {
			return 0, domain.Conflictf("missing version: supply the version field or If-Match")
		}
		return *bodyVersion, nil
	}

	headerVersion, err := versionFromETag(ifMatch)
	if err != nil {
		return 0, err
	}
	if !etagMatches(ifMatch, repository.ETag(id, headerVersion)) {
		return 0, domain.Conflictf("If-Match does not identify this resource")
	}
	if bodyVersion != nil && *bodyVersion != headerVersion {
		return 0, domain.Conflictf("If-Match and body version disagree")
	}
	return headerVersion, nil
}

// Delete handles DELETE /maps/{id}.
func (h *MapHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.repo.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// versionFromETag recovers the version embedded in a strong ETag of the form
// "<version>-<hash>".
func versionFromETag(tag string) (int64, error) {
	trimmed := strings.Trim(tag, `"`)
	dash := strings.IndexByte(trimmed, '-')
	if dash <= 0 {
		return 0, domain.Conflictf("malformed If-Match tag")
	}
	version, err := strconv.ParseInt(trimmed[:dash], 10, 64)
	if err != nil || version < 1 {
		return 0, domain.Conflictf("malformed If-Match tag")
	}
	return version, nil
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.TooLargef("request body exceeds %d bytes", MaxBodyBytes)
		}
		return domain.Invalidf("malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps a domain error onto the uniform error body and status.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case domain.KindInvalid:
		status = http.StatusBadRequest
	case domain.KindTooLarge:
		status = http.StatusRequestEntityTooLarge
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	}

	message := err.Error()
	var derr *domain.Error
	var details map[string]interface{}
	if errors.As(err, &derr) {
		message = derr.Message
		details = derr.Details
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(kind),
		Message: message,
		Details: details,
	}})
}
