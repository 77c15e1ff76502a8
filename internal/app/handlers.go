package app

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/conduitrun/conduit/internal/broker"
	"github.com/conduitrun/conduit/internal/catalog"
	"github.com/conduitrun/conduit/internal/credential"
	"github.com/conduitrun/conduit/internal/domain"
	"github.com/conduitrun/conduit/internal/eventlog"
	"github.com/conduitrun/conduit/internal/execution"
	"github.com/conduitrun/conduit/internal/platform/apierr"
	"github.com/conduitrun/conduit/internal/platform/dbctx"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// Handlers groups every HTTP handler the control plane exposes, the way
// the teacher groups handlers per-domain (AuthHandler, UserHandler,
// ...) except this system has one resource family (executions,
// catalog, credentials) instead of many.
type Handlers struct {
	broker     *broker.Broker
	catalog    catalog.Store
	execs      execution.Store
	events     eventlog.Store
	credential credential.Store
	log        *logger.Logger
}

func NewHandlers(b *broker.Broker, cat catalog.Store, execs execution.Store, events eventlog.Store, cred credential.Store, log *logger.Logger) *Handlers {
	return &Handlers{broker: b, catalog: cat, execs: execs, events: events, credential: cred, log: log.With("component", "http")}
}

func dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

// classify turns a store sentinel into the apierr the HTTP boundary
// responds with, the way the teacher's handlers unwrap a *apierr.Error
// with errors.As rather than switching on sentinel equality at every
// call site. A bare store/broker error that isn't one of these known
// sentinels is an unclassified failure on our side, not the caller's.
func classify(err error) *apierr.Error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return apierr.New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, execution.ErrNotFound):
		return apierr.New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, credential.ErrNotFound):
		return apierr.New(http.StatusNotFound, "not_found", err)
	default:
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return ae
		}
		return apierr.New(http.StatusInternalServerError, "internal_error", err)
	}
}

func respondError(c *gin.Context, err error) {
	ae := classify(err)
	c.JSON(ae.Status, gin.H{"error": ae.Code, "message": ae.Error()})
}

// respondValidationError is for input the caller controls directly
// (malformed JSON, a bad path parameter, a playbook submitted for
// registration) and always responds 400. RegisterCatalog sends every
// catalog.Register error here, so a playbook that fails to parse is a
// 400; other store and Broker failures map through classify.
func respondValidationError(c *gin.Context, code string, err error) {
	ae := apierr.New(http.StatusBadRequest, code, err)
	c.JSON(ae.Status, gin.H{"error": ae.Code, "message": ae.Error()})
}

// RegisterCatalog implements POST /catalog/register: the request body
// is the raw playbook YAML text.
func (h *Handlers) RegisterCatalog(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondValidationError(c, "invalid_body", err)
		return
	}
	path, version, err := h.catalog.Register(dbc(c), string(body))
	if err != nil {
		respondValidationError(c, "invalid_playbook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "version": version})
}

// GetCatalogEntry implements GET /catalog/:path/:version.
func (h *Handlers) GetCatalogEntry(c *gin.Context) {
	path := c.Param("path")
	versionParam := c.Param("version")
	var version *int64
	if versionParam != "" && versionParam != "latest" {
		v, err := strconv.ParseInt(versionParam, 10, 64)
		if err != nil {
			respondValidationError(c, "invalid_version", err)
			return
		}
		version = &v
	}
	entry, err := h.catalog.Get(dbc(c), path, version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": entry.Path, "version": entry.Version, "content": entry.Content})
}

// Execute implements POST /execute: starts a new root execution of a
// catalog entry and returns its id immediately without blocking for
// completion — progress is followed via /events or the progress bus.
func (h *Handlers) Execute(c *gin.Context) {
	var req struct {
		Path    string         `json:"path"`
		Version *int64         `json:"version,omitempty"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, "invalid_body", err)
		return
	}
	exec, err := h.broker.Start(dbc(c), req.Path, req.Version, nil, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": exec.ExecutionID, "status": exec.Status})
}

func parseExecutionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("execution_id"), 10, 64)
	if err != nil {
		respondValidationError(c, "invalid_execution_id", err)
		return 0, false
	}
	return id, true
}

// Cancel implements POST /cancel/:execution_id.
func (h *Handlers) Cancel(c *gin.Context) {
	executionID, ok := parseExecutionID(c)
	if !ok {
		return
	}
	if err := h.broker.Cancel(dbc(c), executionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetExecution implements GET /execution/:execution_id.
func (h *Handlers) GetExecution(c *gin.Context) {
	executionID, ok := parseExecutionID(c)
	if !ok {
		return
	}
	exec, err := h.execs.Get(dbc(c), executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListEvents implements GET /events?execution_id=&since=.
func (h *Handlers) ListEvents(c *gin.Context) {
	executionID, err := strconv.ParseInt(c.Query("execution_id"), 10, 64)
	if err != nil {
		respondValidationError(c, "missing_execution_id", err)
		return
	}
	var since int64
	if s := c.Query("since"); s != "" {
		since, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondValidationError(c, "invalid_since", err)
			return
		}
	}
	events, err := h.events.Range(dbc(c), executionID, since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// PutCredential implements POST /credentials: registers or replaces a
// named credential. The raw payload never echoes back in the response.
func (h *Handlers) PutCredential(c *gin.Context) {
	var req struct {
		Name    string                `json:"name"`
		Kind    domain.CredentialKind `json:"kind"`
		Payload credential.Payload    `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidationError(c, "invalid_body", err)
		return
	}
	if req.Name == "" {
		respondValidationError(c, "name_required", errors.New("name is required"))
		return
	}
	if err := h.credential.Put(dbc(c), req.Name, req.Kind, req.Payload); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name, "kind": req.Kind})
}

// GetCredential implements GET /credentials/:name: describes a
// credential's kind only, never its secret material (§ "Credential").
func (h *Handlers) GetCredential(c *gin.Context) {
	name := c.Param("name")
	kind, err := h.credential.Describe(dbc(c), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "kind": kind})
}
