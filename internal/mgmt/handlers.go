package mgmt

import (
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/event"
	"github.com/p-blackswan/awm/internal/health"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/requestid"
	"github.com/p-blackswan/awm/internal/scheduler"
)

// WebhookSecretHeader carries the shared secret of a webhook event.
const WebhookSecretHeader = "X-Webhook-Secret"

// Handlers holds dependencies for management API handlers.
type Handlers struct {
	store     *project.Store
	scheduler *scheduler.Scheduler
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store *project.Store, sched *scheduler.Scheduler, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:     store,
		scheduler: sched,
		checker:   checker,
		logger:    logger.With().Str("component", "mgmt_handlers").Logger(),
		startTime: time.Now(),
	}
}

// errorResponse maps store and validation errors onto problem responses.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case perrors.IsNotFound(err):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case perrors.IsInvalid(err):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error", err.Error())
	}
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

func notFound(c *fiber.Ctx, kind, id string) error {
	return errorResponse(c, perrors.NotFound(kind, id))
}

// persist writes the store and reports failures as 500s.
func (h *Handlers) persist(c *fiber.Ctx) error {
	if err := h.store.Save(c.UserContext()); err != nil {
		log := requestid.Logger(c.UserContext(), h.logger)
		log.Error().Err(err).Msg("failed to persist store")
		return problemResponse(c, fiber.StatusInternalServerError,
			"persistence_error", "Internal Server Error",
			"Failed to persist state")
	}
	return nil
}

// --- Projects ---

// CreateProject handles POST /api/v1/projects.
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var req project.CreateProjectInput
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	p, err := h.store.CreateProject(req)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.persist(c); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	status := project.Status(c.Query("status"))

	projects := make([]project.Project, 0)
	for _, p := range h.store.GetAllProjects() {
		if status != "" && p.Status != status {
			continue
		}
		projects = append(projects, p)
	}
	return c.JSON(ProjectListResponse{Projects: projects, Total: len(projects)})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok := h.store.GetProject(id)
	if !ok {
		return notFound(c, "project", id)
	}
	return c.JSON(ProjectDetailResponse{
		Project:  p,
		Sessions: h.store.GetSessionsForProject(id),
		Events:   h.store.GetEventsForProject(id),
	})
}

// UpdateProject handles PATCH /api/v1/projects/:id. Moving a project out
// of active drops its queued triggers.
func (h *Handlers) UpdateProject(c *fiber.Ctx) error {
	id := c.Params("id")
	var req project.ProjectUpdate
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if req.Status != nil && !req.Status.Valid() {
		return errorResponse(c, perrors.Invalid("unknown project status %q", *req.Status))
	}

	p, ok := h.store.UpdateProject(id, req)
	if !ok {
		return notFound(c, "project", id)
	}
	if p.Status != project.StatusActive {
		h.scheduler.RemoveQueuedForProject(id)
	}
	if err := h.persist(c); err != nil {
		return err
	}
	return c.JSON(p)
}

// DeleteProject handles DELETE /api/v1/projects/:id. The project's events
// are removed with it; its sessions are kept as history.
func (h *Handlers) DeleteProject(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.store.GetProject(id); !ok {
		return notFound(c, "project", id)
	}

	for _, evt := range h.store.GetEventsForProject(id) {
		h.scheduler.UnregisterEvent(evt.ID)
		h.store.DeleteEvent(evt.ID)
	}
	h.scheduler.RemoveQueuedForProject(id)
	h.store.DeleteProject(id)

	if err := h.persist(c); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TriggerProject handles POST /api/v1/projects/:id/trigger.
func (h *Handlers) TriggerProject(c *fiber.Ctx) error {
	id := c.Params("id")
	var req TriggerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c, err)
		}
	}
	priority, err := project.ParsePriority(req.Priority)
	if err != nil {
		return errorResponse(c, err)
	}

	p, ok := h.store.GetProject(id)
	if !ok {
		return notFound(c, "project", id)
	}
	if p.Status != project.StatusActive {
		return problemResponse(c, fiber.StatusConflict,
			"project_inactive", "Conflict",
			"Project is "+string(p.Status)+"; only active projects can be triggered")
	}

	t := h.scheduler.Submit(c.UserContext(), project.WorkTrigger{
		ProjectID:     id,
		Priority:      priority,
		NotifyChannel: req.NotifyChannel,
	})
	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{Trigger: t})
}

// --- Sessions ---

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	projectID := c.Query("projectId")
	status := project.SessionStatus(c.Query("status"))

	var all []project.WorkSession
	if projectID != "" {
		all = h.store.GetSessionsForProject(projectID)
	} else {
		all = h.store.GetAllSessions()
	}

	sessions := make([]project.WorkSession, 0, len(all))
	for _, ws := range all {
		if status != "" && ws.Status != status {
			continue
		}
		sessions = append(sessions, ws)
	}
	return c.JSON(SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	id := c.Params("id")
	ws, ok := h.store.GetSession(id)
	if !ok {
		return notFound(c, "session", id)
	}
	return c.JSON(ws)
}

// --- Status ---

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	return c.JSON(h.scheduler.Status())
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.UserContext())

	checks := make(map[string]string, len(results))
	overall := "ok"
	for name, status := range results {
		checks[name] = string(status)
		if status == health.StatusDown {
			overall = "degraded"
		}
	}

	return c.JSON(fiber.Map{
		"status": overall,
		"checks": checks,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// --- Webhooks ---

// Webhook handles POST /api/v1/webhooks/:eventId. When the event's trigger
// field is set it must match the X-Webhook-Secret header.
func (h *Handlers) Webhook(c *fiber.Ctx) error {
	id := c.Params("eventId")
	evt, ok := h.store.GetEvent(id)
	if !ok || evt.Type != project.EventWebhook {
		return notFound(c, "webhook", id)
	}

	if evt.Trigger != "" {
		got := c.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(evt.Trigger)) != 1 {
			h.logger.Warn().Str("event_id", id).Str("ip", c.IP()).Msg("webhook secret mismatch")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_webhook_secret", "Unauthorized",
				"Webhook secret is missing or wrong")
		}
	}

	accepted, err := h.scheduler.FireEvent(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(FireResponse{EventID: id, Accepted: accepted})
}

// validateEventTrigger checks the source-specific trigger field.
func validateEventTrigger(typ project.EventType, trigger string) error {
	if typ == project.EventTime && trigger != "" {
		return event.ValidateCron(trigger)
	}
	return nil
}
