// Request HTTP handlers.
//
// This file exposes REST endpoints for notification requests:
//   - POST /requests               (intake)
//   - POST /requests/{id}/process  (trigger asynchronous processing)
//   - GET  /requests/{id}          (poll status/outcome)
//   - GET  /requests               (list, paginated, ETag support)
//   - GET  /requests/stats         (per-status counts)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous intake
// exists for (user, key), the handler returns the recorded request id and
// sets `Idempotency-Replayed: true` instead of creating a duplicate.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/uo277440/go-notify-backend/internal/domain"
	"github.com/uo277440/go-notify-backend/internal/repo"
	"github.com/uo277440/go-notify-backend/internal/services"
	"github.com/uo277440/go-notify-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// RequestService defines request intake and query operations consumed by the
// HTTP handlers. Implementations should be safe for concurrent use and must
// honor the provided context for cancellation and timeouts.
type RequestService interface {
	// Create validates user input and persists a new queued request.
	Create(ctx context.Context, userInput string) (*domain.Request, error)
	// Get returns a request by ID.
	Get(ctx context.Context, id string) (*domain.Request, error)
	// ListPage returns a page of requests and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Request, int64, error)
	// Overview returns per-status counts, the total, and the latest update time.
	Overview(ctx context.Context) (map[domain.Status]int64, int64, *time.Time, error)
}

// PipelineService triggers asynchronous processing of queued requests.
type PipelineService interface {
	// Schedule starts a pipeline run for a queued request. It reports whether
	// a run was scheduled and the status observed at scheduling time.
	Schedule(ctx context.Context, id string) (scheduled bool, status domain.Status, err error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for notification requests.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic. The db handle powers only the best-effort
// idempotency and ETag paths and may be nil (those paths are then skipped).
type Handlers struct {
	reqSvc   RequestService
	pipeline PipelineService
	db       *gorm.DB
}

// New constructs and returns a Handlers instance bound to the given services.
func New(reqSvc RequestService, pipeline PipelineService, db *gorm.DB) *Handlers {
	return &Handlers{reqSvc: reqSvc, pipeline: pipeline, db: db}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CreateRequestBody is the JSON payload for submitting a new request.
type CreateRequestBody struct {
	// UserInput is the free-form natural-language instruction.
	UserInput string `json:"user_input" binding:"required" example:"Send an email to bob@example.com saying the report is ready"`
}

// CreateRequestResponse carries the id assigned to a newly queued request.
type CreateRequestResponse struct {
	ID string `json:"id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// IntentView is the extracted notification intent, present once a request
// reached the sent state.
type IntentView struct {
	To      string `json:"to" example:"bob@example.com"`
	Message string `json:"message" example:"the report is ready"`
	Type    string `json:"type" example:"email"`
}

// RequestView is the public projection of a request record.
type RequestView struct {
	ID            string      `json:"id"`
	Status        string      `json:"status" example:"sent"`
	UserInput     string      `json:"user_input,omitempty"`
	Intent        *IntentView `json:"intent,omitempty"`
	ProviderID    string      `json:"provider_id,omitempty" example:"p-1234"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ProcessResponse reports the outcome of a process trigger.
type ProcessResponse struct {
	ID string `json:"id"`
	// Status observed when the trigger was handled.
	Status string `json:"status" example:"queued"`
	// Scheduled is true when a new pipeline run was started.
	Scheduled bool `json:"scheduled"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRequestsResponse wraps a page of requests and pagination information.
type ListRequestsResponse struct {
	Requests   []RequestView `json:"requests"`
	Pagination Pagination    `json:"pagination"`
}

// StatsResponse summarizes the store by lifecycle status.
type StatsResponse struct {
	Total         int64            `json:"total"`
	Counts        map[string]int64 `json:"counts"`
	LastUpdatedAt *time.Time       `json:"last_updated_at,omitempty"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// view projects a domain record into its public shape.
func view(r *domain.Request) RequestView {
	v := RequestView{
		ID:            r.ID,
		Status:        string(r.Status),
		UserInput:     r.UserInput,
		ProviderID:    r.ProviderID,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if in := r.Intent(); in != nil {
		v.Intent = &IntentView{To: in.To, Message: in.Message, Type: in.Type}
	}
	return v
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

//
// Handlers
//

// CreateRequest godoc
// @ID          createRequest
// @Summary     Submit a notification request
// @Description Queues a free-form natural-language request for processing and returns its id.
// @Description Supports idempotency via the Idempotency-Key header (same key → same request id).
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateRequestBody  true  "Request payload"
//
// @Success     201  {object}  handlers.CreateRequestResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /requests [post]
func (h *Handlers) CreateRequest(c *gin.Context) {
	ctx := c.Request.Context()

	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: user_input required")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, currentUser, idemKey, time.Now().UTC()); err == nil && rec != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, CreateRequestResponse{ID: rec.RequestID})
			return
		}
	}

	r, err := h.reqSvc.Create(ctx, body.UserInput)
	if err != nil {
		switch err {
		case services.ErrEmptyInput:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_input required")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_input too long")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.db != nil {
		ttl := 24 * time.Hour
		_, _ = repo.CreateIdempotency(ctx, h.db, currentUser, idemKey, r.ID, http.StatusCreated, ttl)
	}

	ok(c, http.StatusCreated, CreateRequestResponse{ID: r.ID})
}

// ProcessRequest godoc
// @ID          processRequest
// @Summary     Trigger processing of a request
// @Description Starts the extraction → normalization → dispatch pipeline for a queued request.
// @Description Triggering an already processing or terminal request is a no-op reporting the current status.
// @Tags        Requests
// @Produce     json
//
// @Param       id  path  string  true  "Request ID (UUID)"  format(uuid)
//
// @Success     202  {object}  handlers.ProcessResponse  "Processing scheduled"
// @Success     200  {object}  handlers.ProcessResponse  "Already processing or terminal"
// @Failure     400  {object}  handlers.ErrorResponse    "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse    "Request not found"
// @Failure     500  {object}  handlers.ErrorResponse    "Internal error"
// @Router      /requests/{id}/process [post]
func (h *Handlers) ProcessRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request id must be a UUID")
		return
	}

	scheduled, status, err := h.pipeline.Schedule(c.Request.Context(), id)
	if err != nil {
		if err == services.ErrRequestNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "request not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeProcessFailed, err.Error())
		return
	}

	code := http.StatusOK
	if scheduled {
		code = http.StatusAccepted
	}
	ok(c, code, ProcessResponse{ID: id, Status: string(status), Scheduled: scheduled})
}

// GetRequest godoc
// @ID          getRequest
// @Summary     Get request status
// @Description Returns the current lifecycle status of a request plus its extracted intent or failure reason.
// @Tags        Requests
// @Produce     json
//
// @Param       id  path  string  true  "Request ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.RequestView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Request not found"
// @Router      /requests/{id} [get]
func (h *Handlers) GetRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request id must be a UUID")
		return
	}

	r, err := h.reqSvc.Get(c.Request.Context(), id)
	if err != nil {
		if err == services.ErrRequestNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "request not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, view(r))
}

// ListRequests godoc
// @ID          listRequests
// @Summary     List requests (paginated)
// @Description Returns a page of requests, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Requests
// @Produce     json
//
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListRequestsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests [get]
func (h *Handlers) ListRequests(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.RequestsStats(ctx, h.db)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"requests:%d:%d"`, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.reqSvc.ListPage(ctx, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	views := make([]RequestView, 0, len(items))
	for i := range items {
		views = append(views, view(&items[i]))
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListRequestsResponse{
		Requests: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// RequestStats godoc
// @ID          requestStats
// @Summary     Request store summary
// @Description Returns per-status counts, the total, and the latest update timestamp.
// @Tags        Requests
// @Produce     json
//
// @Success     200  {object}  handlers.StatsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /requests/stats [get]
func (h *Handlers) RequestStats(c *gin.Context) {
	counts, total, latest, err := h.reqSvc.Overview(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}

	out := make(map[string]int64, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	ok(c, http.StatusOK, StatsResponse{Total: total, Counts: out, LastUpdatedAt: latest})
}
