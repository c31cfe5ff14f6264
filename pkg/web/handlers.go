// Package web provides HTTP handlers for flowchart management and run control.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/services"
)

type APIHandlers struct {
	flowchartService *services.Flowchart
	runService       *services.Run
	validator        *validator.Validate
}

func NewAPIHandlers(
	flowchartService *services.Flowchart,
	runService *services.Run,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		flowchartService: flowchartService,
		runService:       runService,
		validator:        validator,
	}
}

// Routes mounts every flowchart and run endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	f := router.Group("/flowcharts")
	f.Get("/", h.ListFlowcharts)
	f.Post("/", h.CreateFlowchart)
	f.Get("/:id", h.GetFlowchart)
	f.Post("/:id/validate", h.ValidateFlowchart)
	f.Post("/:id/runs", h.SubmitRun)

	r := router.Group("/runs")
	r.Get("/:id", h.GetRun)
	r.Post("/:id/stop", h.StopRun)
	r.Post("/:id/cancel", h.CancelRun)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.flowchartService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowpilot API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Flowpilot API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListFlowcharts(c fiber.Ctx) error {
	flowcharts, err := h.flowchartService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(FlowchartListResponse{Flowcharts: flowcharts, TotalCount: len(flowcharts)})
}

// CreateFlowchart imports a complete flowchart definition, nodes and edges included.
func (h *APIHandlers) CreateFlowchart(c fiber.Ctx) error {
	var flowchart models.Flowchart
	if err := c.Bind().JSON(&flowchart); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.flowchartService.Import(c.Context(), &flowchart)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetFlowchart(c fiber.Ctx) error {
	flowchart, err := h.flowchartService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flowchart)
}

// ValidateFlowchart reports the structural problems of a stored flowchart. An invalid
// flowchart is still a successful response.
func (h *APIHandlers) ValidateFlowchart(c fiber.Ctx) error {
	result, err := h.flowchartService.Validate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) SubmitRun(c fiber.Ctx) error {
	req := SubmitRunRequest{TriggeredBy: models.RunTriggerAPI}

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	run, err := h.runService.Submit(c.Context(), c.Params("id"), req.TriggeredBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RunResponse{Run: run})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	details, err := h.runService.Details(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(details)
}

// StopRun lets running nodes finish and dispatches nothing new.
func (h *APIHandlers) StopRun(c fiber.Ctx) error {
	run, err := h.runService.Stop(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RunResponse{Run: run})
}

// CancelRun finalizes the run and its outstanding nodes immediately.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	run, err := h.runService.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(RunResponse{Run: run})
}
