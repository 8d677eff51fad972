package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/approval"
	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/orchestrator"
)

// FeatureSummary is a board item as returned by the API.
type FeatureSummary struct {
	ID                  string               `json:"id"`
	Description         string               `json:"description"`
	Status              feature.Status       `json:"status"`
	SkipTests           bool                 `json:"skip_tests"`
	Model               string               `json:"model,omitempty"`
	PlanningMode        feature.PlanningMode `json:"planning_mode,omitempty"`
	RequirePlanApproval bool                 `json:"require_plan_approval"`
	Dependencies        []string             `json:"dependencies,omitempty"`
	BranchName          string               `json:"branch_name,omitempty"`
	WorktreePath        string               `json:"worktree_path,omitempty"`
	Running             bool                 `json:"running"`
	PlanStatus          feature.PlanStatus   `json:"plan_status,omitempty"`
	PlanVersion         int                  `json:"plan_version,omitempty"`
	TasksDone           int                  `json:"tasks_done,omitempty"`
	TasksTotal          int                  `json:"tasks_total,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func (s *Server) summarize(f *feature.Feature) FeatureSummary {
	sum := FeatureSummary{
		ID:                  f.ID,
		Description:         f.Description,
		Status:              f.Status,
		SkipTests:           f.SkipTests,
		Model:               f.Model,
		PlanningMode:        f.PlanningMode,
		RequirePlanApproval: f.RequirePlanApproval,
		Dependencies:        f.Dependencies,
		BranchName:          f.BranchName,
		WorktreePath:        f.WorktreePath,
		Running:             s.orch.IsRunning(f.ID),
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
	if f.PlanSpec != nil {
		sum.PlanStatus = f.PlanSpec.Status
		sum.PlanVersion = f.PlanSpec.Version
		sum.TasksDone = f.PlanSpec.TasksCompleted
		sum.TasksTotal = f.PlanSpec.TasksTotal
	}
	return sum
}

// projectParam extracts the required project path from the query string.
func projectParam(c echo.Context) (string, error) {
	project := c.QueryParam("project")
	if project == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "project query parameter is required")
	}
	return project, nil
}

func (s *Server) handleListFeatures(c echo.Context) error {
	project, err := projectParam(c)
	if err != nil {
		return err
	}

	all, err := s.store.ListAll(project)
	if err != nil {
		s.logger.Error("failed to list features", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list features")
	}

	out := make([]FeatureSummary, 0, len(all))
	for _, f := range all {
		out = append(out, s.summarize(f))
	}
	return c.JSON(http.StatusOK, out)
}

// CreateFeatureRequest is the body for POST /api/v1/features.
type CreateFeatureRequest struct {
	ProjectPath  string               `json:"project_path"`
	Description  string               `json:"description"`
	SkipTests    bool                 `json:"skip_tests"`
	Model        string               `json:"model"`
	PlanningMode feature.PlanningMode `json:"planning_mode"`
	// RequirePlanApproval defaults to true for the spec and full
	// planning modes when omitted.
	RequirePlanApproval *bool    `json:"require_plan_approval"`
	Dependencies        []string `json:"dependencies"`
}

func (s *Server) handleCreateFeature(c echo.Context) error {
	var req CreateFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_path is required")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description is required")
	}

	requireApproval := req.PlanningMode == feature.PlanningSpec ||
		req.PlanningMode == feature.PlanningFull
	if req.RequirePlanApproval != nil {
		requireApproval = *req.RequirePlanApproval
	}

	f := &feature.Feature{
		ID:                  uuid.NewString(),
		Description:         req.Description,
		Status:              feature.StatusBacklog,
		SkipTests:           req.SkipTests,
		Model:               req.Model,
		PlanningMode:        req.PlanningMode,
		RequirePlanApproval: requireApproval,
		Dependencies:        req.Dependencies,
	}
	if err := s.store.Save(req.ProjectPath, f); err != nil {
		s.logger.Error("failed to create feature", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create feature")
	}

	return c.JSON(http.StatusCreated, s.summarize(f))
}

func (s *Server) handleGetFeature(c echo.Context) error {
	project, err := projectParam(c)
	if err != nil {
		return err
	}

	f, err := s.store.Load(project, c.Param("id"))
	if err != nil {
		if errors.Is(err, feature.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "feature not found")
		}
		s.logger.Error("failed to load feature", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load feature")
	}

	return c.JSON(http.StatusOK, s.summarize(f))
}

// ApproveRequest is the body for POST /api/v1/features/:id/approve.
type ApproveRequest struct {
	ProjectPath   string `json:"project_path"`
	Approved      bool   `json:"approved"`
	EditedContent string `json:"edited_content"`
	Feedback      string `json:"feedback"`
}

func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_path is required")
	}

	err := s.orch.ResolveApproval(req.ProjectPath, c.Param("id"), approval.Decision{
		Approved:      req.Approved,
		EditedContent: req.EditedContent,
		Feedback:      req.Feedback,
	})
	if err != nil {
		if errors.Is(err, approval.ErrNoPending) || errors.Is(err, feature.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no pending approval for feature")
		}
		s.logger.Error("failed to resolve approval", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve approval")
	}

	return c.NoContent(http.StatusNoContent)
}

// ExecuteRequest is the body for POST /api/v1/features/:id/execute.
type ExecuteRequest struct {
	ProjectPath string `json:"project_path"`
	Isolate     bool   `json:"isolate"`
	BaseBranch  string `json:"base_branch"`
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_path is required")
	}

	id := c.Param("id")
	if s.orch.IsRunning(id) {
		return echo.NewHTTPError(http.StatusConflict, "execution already running")
	}

	go func() {
		err := s.orch.Execute(context.Background(), orchestrator.ExecuteOptions{
			ProjectPath:  req.ProjectPath,
			FeatureID:    id,
			UseIsolation: req.Isolate,
			BaseBranch:   req.BaseBranch,
		})
		if err != nil && !errors.Is(err, orchestrator.ErrExecutionBusy) {
			s.logger.Error("manual execution failed",
				zap.String("feature_id", id), zap.Error(err))
		}
	}()

	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleStop(c echo.Context) error {
	if !s.orch.StopExecution(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "no running execution for feature")
	}
	return c.NoContent(http.StatusNoContent)
}

// LoopStartRequest is the body for POST /api/v1/loop/start.
type LoopStartRequest struct {
	ProjectPath    string `json:"project_path"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// LoopStatusResponse reports the loop state after a control request.
type LoopStatusResponse struct {
	Running      bool `json:"running"`
	StillRunning int  `json:"still_running,omitempty"`
}

func (s *Server) handleLoopStart(c echo.Context) error {
	var req LoopStartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_path is required")
	}

	concurrency := req.MaxConcurrency
	if concurrency <= 0 {
		concurrency = s.config.MaxConcurrency
	}

	if err := s.orch.StartLoop(req.ProjectPath, concurrency); err != nil {
		if errors.Is(err, orchestrator.ErrLoopAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, "loop already running")
		}
		s.logger.Error("failed to start loop", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start loop")
	}

	return c.JSON(http.StatusOK, LoopStatusResponse{Running: true})
}

func (s *Server) handleLoopStop(c echo.Context) error {
	remaining, err := s.orch.StopLoop()
	if err != nil {
		if errors.Is(err, orchestrator.ErrLoopNotRunning) {
			return echo.NewHTTPError(http.StatusConflict, "loop not running")
		}
		s.logger.Error("failed to stop loop", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stop loop")
	}

	return c.JSON(http.StatusOK, LoopStatusResponse{Running: false, StillRunning: remaining})
}
