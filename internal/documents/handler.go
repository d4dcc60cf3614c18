package documents

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docextract-backend/internal/shared/server/middleware"
	"docextract-backend/internal/shared/server/respond"
)

// DefaultMaxUploadBytes is used when the handler is built without a limit.
const DefaultMaxUploadBytes = 10 << 20 // 10MB

// uploadFields lists the accepted multipart field names for the file.
var uploadFields = []string{"file", "document"}

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc            *Service
	MaxUploadBytes int64
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{Svc: svc, MaxUploadBytes: maxUploadBytes}
}

// RegisterRoutes attaches document routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/documents", h.upload)
	rg.GET("/documents", h.list)
	rg.GET("/documents/:id", h.get)
	rg.GET("/documents/:id/data", h.data)
	rg.POST("/documents/:id/process", h.process)
	rg.DELETE("/documents/:id", h.delete)
}

func (h *Handler) upload(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)

	fileHeader, err := formFile(c)
	if err != nil {
		if isTooLarge(err) {
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the upload size limit", gin.H{"maxBytes": h.MaxUploadBytes})
			return
		}
		respond.Error(c, http.StatusBadRequest, "missing_file", "file is required", nil)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	doc, err := h.Svc.Upload(withRequestID(c), userID, fileHeader.Filename, c.PostForm("name"), file)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidFileType):
			respond.Error(c, http.StatusBadRequest, "invalid_file_type", ErrInvalidFileType.Error(), nil)
		case errors.Is(err, ErrMissingFile):
			respond.Error(c, http.StatusBadRequest, "missing_file", "file is required", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid file name", nil)
		case isTooLarge(err):
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the upload size limit", gin.H{"maxBytes": h.MaxUploadBytes})
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to upload document", nil)
		}
		return
	}

	c.Set(middleware.DocumentIDKey, doc.ID)
	respond.Created(c, toResponse(doc))
}

func (h *Handler) list(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	limit := queryInt(c, "limit", defaultListLimit)
	offset := queryInt(c, "offset", 0)

	docs, err := h.Svc.List(withRequestID(c), userID, limit, offset)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list documents", nil)
		}
		return
	}

	resp := ListResponse{Count: len(docs), Documents: make([]DocumentResponse, 0, len(docs))}
	for _, doc := range docs {
		resp.Documents = append(resp.Documents, toResponse(doc))
	}
	respond.OK(c, resp)
}

func (h *Handler) get(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.DocumentIDKey, id)

	doc, err := h.Svc.GetRecord(withRequestID(c), middleware.UserIDFromContext(c), id)
	if err != nil {
		writeError(c, err, "failed to fetch document")
		return
	}
	respond.OK(c, toResponse(doc))
}

func (h *Handler) data(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.DocumentIDKey, id)

	view, err := h.Svc.Result(withRequestID(c), middleware.UserIDFromContext(c), id)
	if err != nil {
		writeError(c, err, "failed to fetch document data")
		return
	}

	switch view.Status {
	case StateCompleted:
		respond.OK(c, DataResponse{DocumentID: id, Status: view.Status, Data: view.Data})
	case StateFailed:
		respond.Error(c, http.StatusBadRequest, "extraction_failed", view.Error, gin.H{"status": view.Status})
	default:
		respond.Accepted(c, StatusResponse{
			DocumentID: id,
			Status:     view.Status,
			Message:    "extraction has not completed yet",
		})
	}
}

func (h *Handler) process(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.DocumentIDKey, id)

	doc, err := h.Svc.RequestExtraction(withRequestID(c), middleware.UserIDFromContext(c), id)
	if err != nil {
		writeError(c, err, "failed to start extraction")
		return
	}
	c.Set(middleware.StatusTransitionKey, string(EventRequested)+"->"+string(doc.ExtractionState))
	respond.Accepted(c, StatusResponse{
		DocumentID: doc.ID,
		Status:     doc.ExtractionState,
		Message:    "extraction started",
	})
}

func (h *Handler) delete(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.DocumentIDKey, id)

	if err := h.Svc.Delete(withRequestID(c), middleware.UserIDFromContext(c), id); err != nil {
		writeError(c, err, "failed to delete document")
		return
	}
	respond.OK(c, gin.H{"documentId": id, "deleted": true})
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "document not found", nil)
	case errors.Is(err, ErrNotExtractable):
		respond.Error(c, http.StatusBadRequest, "not_extractable", ErrNotExtractable.Error(), nil)
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrStateConflict):
		respond.Error(c, http.StatusConflict, "already_processing", ErrAlreadyProcessing.Error(), nil)
	case errors.Is(err, ErrDispatchFailed):
		respond.Error(c, http.StatusServiceUnavailable, "extraction_unavailable", "extraction could not be scheduled", nil)
	case errors.Is(err, ErrInvalidInput):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var firstErr error
	for _, field := range uploadFields {
		fh, err := c.FormFile(field)
		if err == nil {
			return fh, nil
		}
		if isTooLarge(err) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func withRequestID(c *gin.Context) context.Context {
	return WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
}
