package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/models"
	syncpkg "github.com/kimhsiao/formsync/internal/sync"
)

const maxRecordBody = 32 << 20

// AttachmentSource returns stored attachment bytes by hash.
type AttachmentSource interface {
	Attachment(hash string) ([]byte, error)
}

// RecordHandler handles record capture and listing.
type RecordHandler struct {
	engine      syncpkg.Engine
	attachments AttachmentSource
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(engine syncpkg.Engine, attachments AttachmentSource) *RecordHandler {
	return &RecordHandler{engine: engine, attachments: attachments}
}

// createRequest is the body of POST /api/records. Attachment data is base64.
type createRequest struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Body        string              `json:"body"`
	Fields      map[string]string   `json:"fields"`
	Attachments []models.Attachment `json:"attachments"`
}

type createResponse struct {
	Record  *models.Record  `json:"record"`
	Outcome syncpkg.Outcome `json:"outcome"`
}

// ListRecords handles GET /api/records
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.ListAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// CreateRecord handles POST /api/records
// Responds 201 when the record reached the remote side, 202 when it is
// stored and pending.
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	rec := models.NewRecord(models.Payload{
		Title:       req.Title,
		Body:        req.Body,
		Fields:      req.Fields,
		Attachments: req.Attachments,
	})
	if req.ID != "" {
		rec.ID = models.UUID(req.ID)
	}

	outcome, err := h.engine.Submit(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}

	stored, err := h.engine.Get(r.Context(), rec.ID.String())
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if outcome == syncpkg.OutcomeSynced {
		status = http.StatusCreated
	}
	writeJSON(w, status, createResponse{Record: stored, Outcome: outcome})
}

// GetRecord handles GET /api/records/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/records/{id}
func (h *RecordHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAttachment handles GET /api/attachments/{hash}
func (h *RecordHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	data, err := h.attachments.Attachment(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Write(data)
}
