package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/persistence"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// health reports 200 when every unit is healthy and 503 otherwise.
// (GET /healthz)
func (s *Server) health(c echo.Context) error {
	h := s.engine.Registry().HealthCheck()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

type statsResponse struct {
	Registry         registry.Statistics `json:"registry"`
	PendingApprovals int                 `json:"pending_approvals"`
	Workflows        int                 `json:"workflows"`
}

// (GET /stats)
func (s *Server) stats(c echo.Context) error {
	pending, err := s.engine.Approvals().ListPending(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statsResponse{
		Registry:         s.engine.Registry().Statistics(),
		PendingApprovals: len(pending),
		Workflows:        len(s.engine.Definitions()),
	})
}

// (GET /units/:id)
func (s *Server) getUnit(c echo.Context) error {
	info, err := s.engine.Registry().Describe(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

type routeRequest struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Payload  map[string]any    `json:"payload"`
	Signals  priority.Signals  `json:"signals"`
	Declared *api.PriorityTier `json:"declared_tier,omitempty"`
}

type routeResponse struct {
	Decision    api.RoutingDecision `json:"decision"`
	Tier        api.PriorityTier    `json:"tier"`
	Declared    bool                `json:"declared,omitempty"`
	AutoRespond bool                `json:"auto_respond"`
	Entities    map[string][]string `json:"entities,omitempty"`
}

// route decides the target unit and priority tier of a work item.
// (POST /route)
func (s *Server) route(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	item := api.WorkItem{
		ID:         req.ID,
		Content:    req.Content,
		Source:     req.Source,
		Payload:    req.Payload,
		ReceivedAt: time.Now(),
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Entities = s.router.ExtractEntities(item.Text())

	decision, err := s.router.Route(item)
	if err != nil {
		return err
	}
	scored := s.scorer.ScoreItem(item, req.Signals)
	if req.Declared != nil {
		scored = scored.Declare(*req.Declared)
	}
	return c.JSON(http.StatusOK, routeResponse{
		Decision:    decision,
		Tier:        scored.Tier,
		Declared:    scored.Declared,
		AutoRespond: s.router.CanAutoRespond(decision),
		Entities:    item.Entities,
	})
}

// (GET /approvals)
func (s *Server) listApprovals(c echo.Context) error {
	pending, err := s.engine.Approvals().ListPending(c.Request().Context())
	if err != nil {
		return err
	}
	if pending == nil {
		pending = []*api.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, pending)
}

type resolveRequest struct {
	Approved   bool   `json:"approved"`
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

type resolveResponse struct {
	Approval *api.ApprovalRequest  `json:"approval"`
	Instance *api.WorkflowInstance `json:"instance,omitempty"`
}

// resolveApproval records a decision and applies it to the waiting
// instance, if any. (POST /approvals/:id/resolve)
func (s *Server) resolveApproval(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ApproverID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver_id is required")
	}
	ctx := driveContext(c)
	id := c.Param("id")

	inst, err := s.engine.ResolveApproval(ctx, id, req.Approved, req.ApproverID, req.Reason)
	if err != nil {
		return err
	}
	ar, err := s.engine.Approvals().Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resolveResponse{Approval: ar, Instance: inst})
}

type workflowSummary struct {
	ID       string   `json:"id"`
	Versions []string `json:"versions"`
	Steps    int      `json:"steps"`
}

// (GET /workflows)
func (s *Server) listWorkflows(c echo.Context) error {
	out := []workflowSummary{}
	seen := make(map[string]bool)
	for _, def := range s.engine.Definitions() {
		if seen[def.ID] {
			continue
		}
		seen[def.ID] = true
		out = append(out, workflowSummary{ID: def.ID, Versions: s.engine.Versions(def.ID), Steps: len(def.Steps)})
	}
	return c.JSON(http.StatusOK, out)
}

type startRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

// startWorkflow creates an instance and drives it until it settles or
// schedules a retry. (POST /workflows/:id/start)
func (s *Server) startWorkflow(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	inst, err := s.engine.StartVersion(driveContext(c), c.Param("id"), req.Version, req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inst)
}

// (GET /instances?workflow=&state=)
func (s *Server) listInstances(c echo.Context) error {
	filter := persistence.InstanceFilter{
		DefinitionID: c.QueryParam("workflow"),
		State:        api.State(c.QueryParam("state")),
	}
	if filter.State != "" && !filter.State.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown state "+string(filter.State))
	}
	list, err := s.engine.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*api.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, list)
}

// (GET /instances/:id)
func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// (GET /instances/:id/events)
func (s *Server) instanceEvents(c echo.Context) error {
	events, err := s.engine.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []api.WorkflowEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

// driveContext keeps request values but not cancellation: a client that
// disconnects must not cancel the step the request started.
func driveContext(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

type controlFunc func(ctx context.Context, id string) (*api.WorkflowInstance, error)

// control wraps Pause, Resume, Cancel and Retry.
func (s *Server) control(op controlFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		inst, err := op(driveContext(c), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, inst)
	}
}
