package task

import "time"

// View is the JSON representation returned by GET /tasks/{id}.
type View struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Alt1          *string `json:"alt1,omitempty"`
	Alt2          *string `json:"alt2,omitempty"`
	SelectedIndex *int    `json:"selected_index,omitempty"`
	FinalAlt      *string `json:"final_alt,omitempty"`
	Attempts      int     `json:"attempts"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// ViewFromEntity converts a Task row to its public representation.
func ViewFromEntity(t *Task) *View {
	v := &View{
		ID:        t.ID.String(),
		Status:    string(t.Status),
		Attempts:  t.Attempts,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
	if t.Alt1.Valid {
		v.Alt1 = &t.Alt1.String
	}
	if t.Alt2.Valid {
		v.Alt2 = &t.Alt2.String
	}
	if t.SelectedIndex.Valid {
		idx := int(t.SelectedIndex.Int32)
		v.SelectedIndex = &idx
	}
	if t.FinalAlt.Valid {
		v.FinalAlt = &t.FinalAlt.String
	}
	if t.LastError.Valid {
		v.LastError = &t.LastError.String
	}
	return v
}

// UploadResult is returned per accepted item from Upload/BulkUpload.
type UploadResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BulkUploadResponse is the canonical bulk-upload response shape chosen in
// SPEC_FULL.md §4.1 (object form, not a bare array) — see Open Question
// resolution in DESIGN.md.
type BulkUploadResponse struct {
	Tasks []BulkItemResult `json:"tasks"`
}

// BulkItemResult reports the per-item outcome of a bulk upload: either a
// created task id, or an error classification for that one item.
type BulkItemResult struct {
	Index  int     `json:"index"`
	ID     *string `json:"id,omitempty"`
	Status *string `json:"status,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// ApproveRequest is the body of PATCH /tasks/{id}/approve.
type ApproveRequest struct {
	FinalAlt         string `json:"final_alt" validate:"required"`
	IsApproved       bool   `json:"is_approved"`
	SelectedAltIndex int    `json:"selected_alt_index" validate:"required,oneof=1 2"`
}

// FinalizeItem is one entry of the batched POST /tasks/finalize body.
type FinalizeItem struct {
	TaskID           string `json:"task_id" validate:"required,uuid"`
	SelectedAltIndex int    `json:"selected_alt_index" validate:"required,oneof=1 2"`
	FinalAlt         string `json:"final_alt" validate:"required"`
}

// FinalizeResult reports the per-item outcome of a batched finalize call.
type FinalizeResult struct {
	TaskID string  `json:"task_id"`
	OK     bool    `json:"ok"`
	Error  *string `json:"error,omitempty"`
}
