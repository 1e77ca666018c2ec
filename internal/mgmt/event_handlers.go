package mgmt

import (
	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/project"
)

// CreateEvent handles POST /api/v1/events. The event is registered with
// the trigger source before it is persisted; a registration failure rolls
// the event back.
func (h *Handlers) CreateEvent(c *fiber.Ctx) error {
	var req CreateEventRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	typ := project.EventType(req.Type)
	if err := validateEventTrigger(typ, req.Trigger); err != nil {
		return errorResponse(c, err)
	}

	evt, err := h.store.CreateEvent(project.CreateEventInput{
		Type:        typ,
		ProjectID:   req.ProjectID,
		Priority:    project.Priority(req.Priority),
		ScheduledAt: req.ScheduledAt,
		Trigger:     req.Trigger,
		Enabled:     req.Enabled,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	if err := h.scheduler.RegisterEvent(evt); err != nil {
		h.store.DeleteEvent(evt.ID)
		return problemResponse(c, fiber.StatusBadRequest,
			"registration_failed", "Bad Request", err.Error())
	}
	if err := h.persist(c); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(evt)
}

// ListEvents handles GET /api/v1/events.
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	var events []project.WorkEvent
	if projectID := c.Query("projectId"); projectID != "" {
		events = h.store.GetEventsForProject(projectID)
	} else {
		events = h.store.GetAllEvents()
	}
	if events == nil {
		events = []project.WorkEvent{}
	}
	return c.JSON(EventListResponse{Events: events, Total: len(events)})
}

// GetEvent handles GET /api/v1/events/:id.
func (h *Handlers) GetEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	evt, ok := h.store.GetEvent(id)
	if !ok {
		return notFound(c, "event", id)
	}
	return c.JSON(evt)
}

// UpdateEvent handles PATCH /api/v1/events/:id and re-registers the event.
// A registration failure restores the previous definition.
func (h *Handlers) UpdateEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	var req EventPatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}

	prev, ok := h.store.GetEvent(id)
	if !ok {
		return notFound(c, "event", id)
	}

	u := project.EventUpdate{
		ScheduledAt: req.ScheduledAt,
		Trigger:     req.Trigger,
		Enabled:     req.Enabled,
	}
	if req.Priority != nil {
		p, err := project.ParsePriority(*req.Priority)
		if err != nil {
			return errorResponse(c, err)
		}
		u.Priority = &p
	}
	if req.Trigger != nil {
		if err := validateEventTrigger(prev.Type, *req.Trigger); err != nil {
			return errorResponse(c, err)
		}
		if prev.Type == project.EventFile && *req.Trigger == "" {
			return errorResponse(c, perrors.Invalid("file events require a path"))
		}
	}

	evt, ok := h.store.UpdateEvent(id, u)
	if !ok {
		return notFound(c, "event", id)
	}

	if err := h.scheduler.RegisterEvent(evt); err != nil {
		h.store.UpdateEvent(id, project.EventUpdate{
			Priority:    &prev.Priority,
			ScheduledAt: prev.ScheduledAt,
			Trigger:     &prev.Trigger,
			Enabled:     &prev.Enabled,
		})
		if rerr := h.scheduler.RegisterEvent(prev); rerr != nil {
			h.logger.Error().Err(rerr).Str("event_id", id).Msg("failed to restore event registration")
		}
		return problemResponse(c, fiber.StatusBadRequest,
			"registration_failed", "Bad Request", err.Error())
	}
	if err := h.persist(c); err != nil {
		return err
	}
	return c.JSON(evt)
}

// DeleteEvent handles DELETE /api/v1/events/:id.
func (h *Handlers) DeleteEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	h.scheduler.UnregisterEvent(id)
	if !h.store.DeleteEvent(id) {
		return notFound(c, "event", id)
	}
	if err := h.persist(c); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// FireEvent handles POST /api/v1/events/:id/fire.
func (h *Handlers) FireEvent(c *fiber.Ctx) error {
	id := c.Params("id")
	accepted, err := h.scheduler.FireEvent(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(FireResponse{EventID: id, Accepted: accepted})
}
