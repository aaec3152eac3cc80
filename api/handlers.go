/*
handlers.go - HTTP handlers

PURPOSE:
  Translates HTTP requests into entitlement and staging service calls.
  Handlers only parse, validate shape, and serialize: every business rule
  (credit checks, claim caps, batch transitions) lives in the services.

ENDPOINTS (all under /api, bearer token required):
  Leads:
    GET    /leads                      catalog with per-user status, masked contacts
    POST   /leads/unlock               unlock_records, JSON result
    POST   /leads/download             unlock then export entitled rows (?format=csv|xlsx)

  Credits:
    GET    /credits/balance            caller balance
    GET    /ledger                     caller ledger, newest first (?limit=)
    GET    /ledger/export              ledger as a file (?format=csv|xlsx)
    GET    /entitlements               caller grants

  Profile:
    GET    /profile/business-rule
    POST   /profile/business-rule      {"business_rule": "hybrid"|"exclusive_only"}

  Admin (role admin):
    POST   /admin/grant                grant_credits
    POST   /admin/upload               multipart CSV -> staged batch
    GET    /admin/batches              newest first (?limit=)
    POST   /admin/batches              create_upload_batch
    GET    /admin/batches/{id}
    GET    /admin/batches/{id}/rows
    POST   /admin/batches/{id}/rows    insert_staging_row
    PUT    /admin/batches/{id}/rows/{rowID}
    POST   /admin/batches/{id}/validate
    POST   /admin/batches/{id}/merge
    POST   /admin/batches/{id}/reject

ERROR HANDLING:
  writeError maps the error with apperr.HTTPStatus. 500 bodies carry a
  generic message; the cause is logged with the request id.

SEE ALSO:
  - dto.go: request/response bodies
  - middleware.go: identity and role checks
  - server.go: routing
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/auth"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/export"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/logger"
	"github.com/verifiedmeasure/leadvault/staging"
)

const (
	// MaxUploadBytes bounds a CSV upload.
	MaxUploadBytes = 32 << 20
	maxBodyBytes   = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services the HTTP layer delegates to.
type Handler struct {
	Entitlements *entitlement.Service
	Staging      *staging.Service
	Log          *logger.Logger

	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(ent *entitlement.Service, stg *staging.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Entitlements: ent,
		Staging:      stg,
		Log:          log.With("component", "api"),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		now:          time.Now,
	}
}

// caller returns the identity placed on the context by RequireAuth.
func caller(r *http.Request) entitlement.UserID {
	id, _ := auth.FromContext(r.Context())
	return entitlement.UserID(id.UserID)
}

// =============================================================================
// LEADS
// =============================================================================

// Catalog lists leads with the caller's status for each.
// GET /api/leads?state=&industry=&premium=&limit=
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f := leads.Filter{
		State:       q.Get("state"),
		Industry:    q.Get("industry"),
		PremiumOnly: q.Get("premium") == "true",
		Limit:       limit,
	}
	views, err := h.Entitlements.Catalog(r.Context(), caller(r), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(views))
}

// Unlock grants the requested records, charging only new ones.
// POST /api/leads/unlock
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Entitlements.Unlock(r.Context(), caller(r), req.dataset(), req.recordIDs())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Download unlocks and returns only rows the caller is entitled to.
// POST /api/leads/download?format=csv|xlsx
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req UnlockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	_, rows, err := h.Entitlements.Download(r.Context(), caller(r), req.dataset(), req.recordIDs())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("verifiedmeasure-leads-%d%s", h.now().UnixMilli(), format.Extension())
	h.writeFile(w, r, format, name, export.LeadsTable(rows))
}

// =============================================================================
// CREDITS
// =============================================================================

// GET /api/credits/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	bal, err := h.Entitlements.Balance(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: user, Balance: bal})
}

// GET /api/ledger?limit=
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.Entitlements.History(r.Context(), caller(r), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(entries))
}

// GET /api/ledger/export?format=csv|xlsx
func (h *Handler) LedgerExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.Entitlements.History(r.Context(), caller(r), 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	table, err := export.LedgerTable(entries)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeFile(w, r, format, "vm-credit-history"+format.Extension(), table)
}

// GET /api/entitlements
func (h *Handler) Grants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Entitlements.Entitlements(r.Context(), caller(r), leads.DatasetLeads)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(grants))
}

// =============================================================================
// PROFILE
// =============================================================================

// GET /api/profile/business-rule
func (h *Handler) GetBusinessRule(w http.ResponseWriter, r *http.Request) {
	p, err := h.Entitlements.BusinessProfile(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/profile/business-rule
func (h *Handler) SetBusinessRule(w http.ResponseWriter, r *http.Request) {
	var req BusinessRuleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	mode, err := entitlement.ParseBusinessMode(req.BusinessRule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.Entitlements.SetBusinessMode(r.Context(), caller(r), mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// ADMIN: CREDITS
// =============================================================================

// POST /api/admin/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	target := entitlement.UserID(strings.TrimSpace(req.UserID))
	if target == "" {
		target = caller(r)
	}
	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["granted_by"] = string(caller(r))

	res, err := h.Entitlements.GrantCredits(r.Context(), target, req.Amount, entitlement.Reason(req.Reason), meta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GrantResponse{
		Success:      true,
		UserID:       target,
		Amount:       res.Entry.Delta,
		Reason:       res.Entry.Reason,
		BalanceAfter: res.BalanceAfter,
	})
}

// =============================================================================
// ADMIN: STAGING
// =============================================================================

// Upload stages a CSV sent as multipart field "file".
// POST /api/admin/upload
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		h.writeError(w, r, apperr.InvalidInput("expected a multipart upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, apperr.InvalidInput("no file uploaded"))
		return
	}
	defer file.Close()

	if !isCSV(header.Filename, header.Header.Get("Content-Type")) {
		h.writeError(w, r, apperr.InvalidInput("%s is not a CSV file", header.Filename))
		return
	}
	body, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, apperr.InvalidInput("read upload: %v", err))
		return
	}

	source := r.FormValue("source")
	if source == "" {
		source = "upload"
	}
	res, err := h.Staging.Ingest(r.Context(), header.Filename, source, body, string(caller(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{
		BatchID:      res.Batch.ID,
		TotalRows:    res.TotalRows,
		InsertErrors: res.InsertErrors,
		Batch:        res.Batch,
	})
}

// GET /api/admin/batches?limit=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	batches, err := h.Staging.Batches(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(batches))
}

// POST /api/admin/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	b, err := h.Staging.CreateBatch(r.Context(), staging.NewBatch{
		Filename:   path.Base(req.Filename),
		Source:     source,
		TotalRows:  req.TotalRows,
		UploadedBy: string(caller(r)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// POST /api/admin/batches/{id}/rows
func (h *Handler) InsertRow(w http.ResponseWriter, r *http.Request) {
	var req InsertRowRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	row, err := h.Staging.InsertRow(r.Context(), batchID(r), req.RowNumber, req.row())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// GET /api/admin/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Staging.Batch(r.Context(), batchID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /api/admin/batches/{id}/rows
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Staging.Rows(r.Context(), batchID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(rows))
}

// PUT /api/admin/batches/{id}/rows/{rowID}
func (h *Handler) EditRow(w http.ResponseWriter, r *http.Request) {
	var req EditRowRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	row, err := h.Staging.EditRow(r.Context(), batchID(r), chi.URLParam(r, "rowID"), req.row())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// POST /api/admin/batches/{id}/validate
func (h *Handler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Staging.Validate(r.Context(), batchID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/admin/batches/{id}/merge
func (h *Handler) MergeBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Staging.Merge(r.Context(), batchID(r), string(caller(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/admin/batches/{id}/reject
func (h *Handler) RejectBatch(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	b, err := h.Staging.Reject(r.Context(), batchID(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// =============================================================================
// HELPERS
// =============================================================================

func batchID(r *http.Request) staging.BatchID {
	return staging.BatchID(chi.URLParam(r, "id"))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.InvalidInput("limit must be a non-negative integer")
	}
	return n, nil
}

func isCSV(filename, contentType string) bool {
	if strings.EqualFold(path.Ext(filename), ".csv") {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/csv" || mt == "application/csv")
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.InvalidInput("invalid request body: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperr.InvalidInput("%s", describe(verrs))
		}
		return apperr.InvalidInput("%v", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

func (h *Handler) writeFile(w http.ResponseWriter, r *http.Request, format export.Format, name string, t export.Table) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, format, t); err != nil {
		// Headers are gone; all we can do is log.
		h.Log.Error("export write failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: apperr.Code(err)}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", "request_id", middleware.GetReqID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}

	var locked *entitlement.RecordLockedError
	var unknown *entitlement.UnknownRecordsError
	var short *entitlement.InsufficientCreditsError
	switch {
	case errors.As(err, &locked):
		resp.RecordIDs = locked.RecordIDs
	case errors.As(err, &unknown):
		resp.RecordIDs = unknown.RecordIDs
	case errors.As(err, &short):
		resp.Balance = &short.Balance
		resp.Required = &short.Required
	}
	writeJSON(w, status, resp)
}
