package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/crashstore/internal/dumps"
)

// maxMultipartMemory caps how much of a parsed form is held in memory;
// anything beyond spills to temp files that RemoveAll cleans up.
const maxMultipartMemory = 32 << 20

// DumpHandler translates HTTP requests into dump service calls.
type DumpHandler struct {
	service        *dumps.Service
	maxUploadBytes int64
}

// NewDumpHandler creates a new dump handler
func NewDumpHandler(service *dumps.Service, maxUploadBytes int64) *DumpHandler {
	return &DumpHandler{
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes wires the dump endpoints into the router, each wrapped
// with tracing.
func (h *DumpHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/dumps/by-label/{label}", otelhttp.NewHandler(http.HandlerFunc(h.ListByLabel), "GET /dumps/by-label/{label}")).Methods("GET")
	r.Handle("/dumps/{id}/download", otelhttp.NewHandler(http.HandlerFunc(h.Download), "GET /dumps/{id}/download")).Methods("GET")
	r.Handle("/dumps/{id}", otelhttp.NewHandler(http.HandlerFunc(h.Get), "GET /dumps/{id}")).Methods("GET")
	r.Handle("/dumps/{id}", otelhttp.NewHandler(http.HandlerFunc(h.Replace), "PUT /dumps/{id}")).Methods("PUT")
	r.Handle("/dumps/{id}", otelhttp.NewHandler(http.HandlerFunc(h.Patch), "PATCH /dumps/{id}")).Methods("PATCH")
	r.Handle("/dumps/{id}", otelhttp.NewHandler(http.HandlerFunc(h.Delete), "DELETE /dumps/{id}")).Methods("DELETE")
	r.Handle("/dumps", otelhttp.NewHandler(http.HandlerFunc(h.Create), "POST /dumps")).Methods("POST")
	r.Handle("/dumps", otelhttp.NewHandler(http.HandlerFunc(h.List), "GET /dumps")).Methods("GET")
}

// Create handles POST /dumps: multipart body with the dump file and
// optional label / original_name fields.
func (h *DumpHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.parseUpload(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	name := r.FormValue("original_name")
	if name == "" {
		name = header.Filename
	}

	rec, err := h.service.Create(ctx, dumps.CreateParams{
		OriginalName: name,
		Label:        r.FormValue("label"),
		File:         file,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// List handles GET /dumps?limit=&offset=, newest first.
func (h *DumpHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	records, err := h.service.List(r.Context(), nil, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListByLabel handles GET /dumps/by-label/{label}. An unknown label yields
// an empty list.
func (h *DumpHandler) ListByLabel(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]
	limit, offset := pagination(r)

	records, err := h.service.List(r.Context(), &label, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /dumps/{id}.
func (h *DumpHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Download handles GET /dumps/{id}/download, streaming the original bytes
// as an attachment named after the uploaded file.
func (h *DumpHandler) Download(w http.ResponseWriter, r *http.Request) {
	rec, rc, err := h.service.Download(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(rec.OriginalName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("Warning: streaming dump %s aborted: %v", rec.ID, err)
	}
}

// Replace handles PUT /dumps/{id}: full replace, file required.
func (h *DumpHandler) Replace(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, false)
}

// Patch handles PATCH /dumps/{id}: partial update, all fields optional.
func (h *DumpHandler) Patch(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, true)
}

func (h *DumpHandler) update(w http.ResponseWriter, r *http.Request, partial bool) {
	ctx := r.Context()

	if !h.parseUpload(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	params := dumps.UpdateParams{
		OriginalName: formValue(r, "original_name"),
		Label:        formValue(r, "label"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		params.File = file
		params.FileName = header.Filename
	case errors.Is(err, http.ErrMissingFile):
		// PATCH without a file is a metadata-only update; PUT without a
		// file is rejected by the service.
	default:
		writeErrorMessage(w, http.StatusBadRequest, "invalid file part")
		return
	}

	rec, err := h.service.Update(ctx, mux.Vars(r)["id"], params, partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /dumps/{id}, returning the deleted record snapshot.
func (h *DumpHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseUpload bounds the request body at the configured upload limit and
// parses the multipart form, writing the error response itself when the
// body is oversized or malformed.
func (h *DumpHandler) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeErrorMessage(w, http.StatusBadRequest, "invalid multipart body")
		return false
	}
	return true
}

// formValue returns a pointer to the form field's value, or nil when the
// field was not sent at all. The distinction matters for PATCH: an absent
// field is left unchanged, an empty one is an explicit (invalid) value.
func formValue(r *http.Request, key string) *string {
	if r.MultipartForm == nil {
		return nil
	}
	values, ok := r.MultipartForm.Value[key]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps service errors onto status codes. Internal failures log
// the cause and return a generic message so filesystem details never reach
// the client.
func writeError(w http.ResponseWriter, err error) {
	var verr *dumps.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, dumps.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "dump not found"})
	case errors.Is(err, dumps.ErrInconsistent):
		log.Printf("Storage inconsistency: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage inconsistency"})
	default:
		log.Printf("Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}
