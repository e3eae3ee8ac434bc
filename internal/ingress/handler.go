package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/altify/altify/internal/blobstore"
	"github.com/altify/altify/internal/domain/task"
	"github.com/altify/altify/internal/domain/taskerr"
	"github.com/altify/altify/internal/pkg/errorhandler"
	"github.com/altify/altify/internal/pkg/response"
	"github.com/altify/altify/internal/pkg/validator"
)

const (
	// MaxUploadSize bounds the multipart body for a single Upload request.
	MaxUploadSize = 20 * 1024 * 1024
	// MaxBulkUploadSize bounds the multipart body for BulkUpload; several
	// items share the budget.
	MaxBulkUploadSize = 100 * 1024 * 1024
)

// Handler adapts Service to chi HTTP routes.
type Handler struct {
	svc *Service
}

// NewHandler builds a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns the chi router mounting the task endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/upload", h.Upload)
	r.Post("/bulk-upload", h.BulkUpload)
	r.Get("/{id}", h.GetTask)
	r.Patch("/{id}/approve", h.Approve)
	r.Post("/finalize", h.Finalize)

	return r
}

// Upload handles POST /tasks/upload: multipart form with fields "image"
// and "context".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		response.BadRequest(w, "file too large or invalid form")
		return
	}

	it, err := readImageItem(r, "image")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	id, err := h.svc.Upload(r.Context(), it)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.Created(w, task.UploadResult{ID: id.String(), Status: string(task.StatusPending)})
}

// BulkUpload handles POST /tasks/bulk-upload: repeated "images" form files
// paired positionally (index-aligned) with repeated "contexts" form values.
func (h *Handler) BulkUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBulkUploadSize)
	if err := r.ParseMultipartForm(MaxBulkUploadSize); err != nil {
		response.BadRequest(w, "request too large or invalid form")
		return
	}

	files := r.MultipartForm.File["images"]
	contexts := r.MultipartForm.Value["contexts"]
	if len(files) == 0 {
		response.BadRequest(w, "at least one image is required")
		return
	}
	if len(contexts) != len(files) {
		response.BadRequest(w, "one context value is required per image")
		return
	}

	items := make([]Item, len(files))
	for i, fh := range files {
		data, contentType, err := readMultipartFile(fh)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		items[i] = Item{Image: data, ContentType: contentType, Context: contexts[i]}
	}

	result := h.svc.BulkUpload(r.Context(), items)
	response.Created(w, result)
}

// GetTask handles GET /tasks/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid task id")
		return
	}

	t, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.OK(w, task.ViewFromEntity(t))
}

// Approve handles PATCH /tasks/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid task id")
		return
	}

	var req task.ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.svc.Approve(r.Context(), id, req.SelectedAltIndex, req.FinalAlt); err != nil {
		writeServiceError(w, r, err)
		return
	}

	response.NoContent(w)
}

// Finalize handles POST /tasks/finalize: a batch of approvals.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var items []task.FinalizeItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	for i := range items {
		if errs := validator.Validate(&items[i]); errs != nil {
			response.ValidationError(w, errs)
			return
		}
	}

	results := h.svc.Finalize(r.Context(), items)
	response.OK(w, struct {
		Results []task.FinalizeResult `json:"results"`
	}{Results: results})
}

func readImageItem(r *http.Request, field string) (Item, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return Item{}, errors.New("no image provided")
	}
	defer file.Close()

	data, contentType, err := readMultipartFile(header)
	if err != nil {
		return Item{}, err
	}
	return Item{Image: data, ContentType: contentType, Context: r.FormValue("context")}, nil
}

func readMultipartFile(header *multipart.FileHeader) (data []byte, contentType string, err error) {
	f, err := header.Open()
	if err != nil {
		return nil, "", errors.New("failed to open uploaded file")
	}
	defer f.Close()

	data, err = io.ReadAll(f)
	if err != nil {
		return nil, "", errors.New("failed to read uploaded file")
	}

	contentType = header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBadInput):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrPreconditionFailed):
		response.Error(w, http.StatusPreconditionFailed, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, blobstore.ErrNotFound):
		response.NotFound(w, "task not found")
	case taskerr.Is(err, taskerr.CodeUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", err)
	}
}
