package rest

import (
	"net/url"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
	"github.com/gofiber/fiber/v2"

	"yqhp/taskbus/internal/broker"
	"yqhp/taskbus/pkg/types"
)

// HealthResponse represents a health check answer.
type HealthResponse struct {
	Status      string              `json:"status"`
	Timestamp   string              `json:"timestamp"`
	Uptime      string              `json:"uptime"`
	Participant types.ParticipantID `json:"participant"`
	Members     int                 `json:"members"`
}

// SubscriptionRequest is the body of PUT /subscriptions/:participant. The
// participant name comes from the path.
type SubscriptionRequest struct {
	Subsystem string     `json:"subsystem"`
	Workshop  string     `json:"workshop,omitempty"`
	Version   string     `json:"version"`
	Mask      types.Mask `json:"mask"`
}

// health handles GET /api/v1/health
func (s *Server) health(c *fiber.Ctx) error {
	members := 0
	if view := s.broker.View(); view != nil {
		members = view.Len()
	}
	return Success(c, HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Participant: s.broker.Self(),
		Members:     members,
	})
}

// pendingTasks handles GET /api/v1/tasks/pending/:participant and lists the
// queued tasks in registration order.
func (s *Server) pendingTasks(c *fiber.Ctx) error {
	participant := param(c, "participant")
	pending := s.broker.RetrievePendingActionableTasks(participant)
	keys := maputil.Keys(pending)
	slice.Sort(keys)

	tasks := make([]*types.ActionableTask, 0, len(keys))
	for _, seq := range keys {
		tasks = append(tasks, pending[seq])
	}
	return Success(c, tasks)
}

// getTask handles GET /api/v1/tasks/:id
func (s *Server) getTask(c *fiber.Ctx) error {
	id := types.TaskID(param(c, "id"))
	t, ok := s.broker.Task(id)
	if !ok {
		return Fail(c, types.NewUnknownTaskError(id, "no such task"))
	}
	return Success(c, t)
}

// getCompletion handles GET /api/v1/tasks/:id/completion
func (s *Server) getCompletion(c *fiber.Ctx) error {
	id := types.TaskID(param(c, "id"))
	summary, ok := s.broker.Completion(id)
	if !ok {
		return Fail(c, types.NewUnknownTaskError(id, "no completion summary"))
	}
	return Success(c, summary)
}

// registerTask handles POST /api/v1/tasks
func (s *Server) registerTask(c *fiber.Ctx) error {
	var t types.ActionableTask
	if err := c.BodyParser(&t); err != nil {
		return BadRequest(c, "failed to parse task: "+err.Error())
	}
	stored, err := s.broker.RegisterActionableTask(&t)
	if err != nil {
		return Fail(c, err)
	}
	return Created(c, stored)
}

// queueTask handles POST /api/v1/tasks/queue
func (s *Server) queueTask(c *fiber.Ctx) error {
	var t types.ActionableTask
	if err := c.BodyParser(&t); err != nil {
		return BadRequest(c, "failed to parse task: "+err.Error())
	}
	if len(t.PerformerTypes) == 0 {
		return BadRequest(c, "performerTypes is required")
	}
	id, err := s.broker.QueueTask(&t)
	if err != nil {
		return Fail(c, err)
	}
	return Created(c, broker.QueueResult{TaskID: id})
}

// clusterView handles GET /api/v1/cluster/view
func (s *Server) clusterView(c *fiber.Ctx) error {
	view := s.broker.View()
	if view == nil {
		return Success(c, []types.ClusterViewEntry{})
	}
	return Success(c, view.Entries())
}

// resolve handles GET /api/v1/cluster/resolve?service=&tag=
func (s *Server) resolve(c *fiber.Ctx) error {
	service := c.Query("service")
	if service == "" {
		return BadRequest(c, "service is required")
	}
	tag := types.FunctionTag(c.Query("tag", string(types.FunctionTaskRoutingReceiver)))
	if !slice.Contain(types.FunctionTags, tag) {
		return BadRequest(c, "unknown function tag: "+string(tag))
	}

	view := s.broker.View()
	if view == nil {
		return NotFound(c, "no cluster view")
	}
	entry, ok := view.Resolve(service, tag)
	if !ok {
		return Fail(c, types.NewBusError(types.ErrCodeUnreachable, "no member provides "+service+" as "+string(tag), nil))
	}
	return Success(c, entry)
}

// pause handles POST /api/v1/participants/:name/pause
func (s *Server) pause(c *fiber.Ctx) error {
	s.broker.Pause(param(c, "name"))
	return Success(c, fiber.Map{"participant": param(c, "name"), "paused": true})
}

// resume handles POST /api/v1/participants/:name/resume
func (s *Server) resume(c *fiber.Ctx) error {
	s.broker.Resume(param(c, "name"))
	return Success(c, fiber.Map{"participant": param(c, "name"), "paused": false})
}

// subscribe handles PUT /api/v1/subscriptions/:participant
func (s *Server) subscribe(c *fiber.Ctx) error {
	var req SubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "failed to parse subscription: "+err.Error())
	}
	id := types.NewParticipantID(req.Subsystem, req.Workshop, param(c, "participant"), req.Version)
	if err := s.broker.Subscribe(id, req.Mask); err != nil {
		return Fail(c, err)
	}
	return Success(c, fiber.Map{"subscriber": id.FullName()})
}

// publish handles POST /api/v1/parcels
func (s *Server) publish(c *fiber.Ctx) error {
	var parcel types.Parcel
	if err := c.BodyParser(&parcel); err != nil {
		return BadRequest(c, "failed to parse parcel: "+err.Error())
	}
	deliveries, err := s.broker.Publish(c.UserContext(), parcel)
	if err != nil {
		return Fail(c, err)
	}
	return Success(c, deliveries)
}

func param(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
