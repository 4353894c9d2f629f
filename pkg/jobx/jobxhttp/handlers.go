// Package jobxhttp exposes a jobx queue over HTTP with Fiber: producers
// enqueue jobs and observers read snapshots or follow a job as a
// server-sent event stream.
package jobxhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/jobq/pkg/jobx"
	"github.com/Abraxas-365/jobq/pkg/kernel"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const notFoundMessage = "Job not found"

// ArchiveReader reads records that retention moved out of the ledger.
type ArchiveReader interface {
	Load(ctx context.Context, queue string, status jobx.JobStatus, id string) (*jobx.JobInfo, error)
	IDs(ctx context.Context, queue string, status jobx.JobStatus) ([]string, error)
}

// Handlers serves one queue.
type Handlers struct {
	queue     *jobx.Queue
	observer  *jobx.Observer
	archive   ArchiveReader
	heartbeat time.Duration
}

// Option configures Handlers.
type Option func(*Handlers)

// WithHeartbeat sets how often an idle event stream sends a comment line.
// Failed heartbeat writes end streams whose client went away.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithArchive serves archived records under /archive.
func WithArchive(a ArchiveReader) Option {
	return func(h *Handlers) {
		h.archive = a
	}
}

// NewHandlers creates the HTTP handlers for q.
func NewHandlers(q *jobx.Queue, options ...Option) *Handlers {
	h := &Handlers{
		queue:     q,
		observer:  jobx.NewObserver(q),
		heartbeat: 15 * time.Second,
	}
	for _, o := range options {
		o(h)
	}
	return h
}

// RegisterRoutes mounts the job routes on router.
func (h *Handlers) RegisterRoutes(router fiber.Router) {
	router.Post("/jobs", h.enqueue)
	router.Get("/jobs", h.list)
	router.Get("/jobs/:id", h.get)
	router.Get("/jobs/:id/events", h.events)
	router.Get("/counts", h.counts)

	if h.archive != nil {
		router.Get("/archive/:status", h.archivedIDs)
		router.Get("/archive/:status/:id", h.archived)
	}
}

type enqueueRequest struct {
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Options struct {
		Delay    int64               `json:"delay"` // milliseconds
		Attempts *int                `json:"attempts"`
		Backoff  *jobx.BackoffPolicy `json:"backoff"`
	} `json:"options"`
}

func (r enqueueRequest) enqueueOptions() []jobx.EnqueueOption {
	var opts []jobx.EnqueueOption
	if r.Options.Delay != 0 {
		opts = append(opts, jobx.WithDelay(time.Duration(r.Options.Delay)*time.Millisecond))
	}
	if r.Options.Attempts != nil {
		opts = append(opts, jobx.WithAttempts(*r.Options.Attempts))
	}
	if r.Options.Backoff != nil {
		opts = append(opts, jobx.WithBackoff(*r.Options.Backoff))
	}
	return opts
}

func (h *Handlers) enqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return httpErrors.NewWithCause(ErrInvalidBody, err)
	}

	handle, err := h.queue.Enqueue(c.UserContext(), req.Name, req.Data, req.enqueueOptions()...)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": handle.ID})
}

func (h *Handlers) get(c *fiber.Ctx) error {
	s, err := h.observer.Snapshot(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if s.NotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFoundMessage})
	}
	return c.JSON(s)
}

func (h *Handlers) list(c *fiber.Ctx) error {
	status := jobx.JobStatus(c.Query("status", string(jobx.JobStatusWaiting)))
	page := kernel.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 20),
	}

	jobs, err := h.queue.Jobs(c.UserContext(), status, page)
	if err != nil {
		return err
	}
	return c.JSON(jobs)
}

func (h *Handlers) counts(c *fiber.Ctx) error {
	counts, err := h.queue.Counts(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(counts)
}

func archivedStatus(c *fiber.Ctx) (jobx.JobStatus, error) {
	status := jobx.JobStatus(c.Params("status"))
	if !status.Terminal() {
		return "", httpErrors.New(ErrInvalidQuery).
			WithDetail("status", status).
			WithDetail("reason", "only completed and failed jobs are archived")
	}
	return status, nil
}

func (h *Handlers) archivedIDs(c *fiber.Ctx) error {
	status, err := archivedStatus(c)
	if err != nil {
		return err
	}
	ids, err := h.archive.IDs(c.UserContext(), h.queue.Name(), status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"queue": h.queue.Name(), "status": status, "ids": ids})
}

func (h *Handlers) archived(c *fiber.Ctx) error {
	status, err := archivedStatus(c)
	if err != nil {
		return err
	}
	job, err := h.archive.Load(c.UserContext(), h.queue.Name(), status, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

// events streams the job's snapshots as server-sent events until the job
// finishes or the client disconnects.
func (h *Handlers) events(c *fiber.Ctx) error {
	id := c.Params("id")

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The stream outlives the handler, so it cannot use the request context.
	ctx, cancel := context.WithCancel(context.Background())
	snapshots := h.observer.Subscribe(ctx, id)
	log := logx.WithFields(logx.Fields{"queue": h.queue.Name(), "job_id": id})

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case s, ok := <-snapshots:
				if !ok {
					return
				}
				if err := writeEvent(w, s); err != nil {
					log.WithError(err).Debug("jobxhttp: event stream closed by client")
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, s jobx.Snapshot) error {
	var body interface{} = s
	if s.NotFound {
		body = fiber.Map{"error": notFoundMessage}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
