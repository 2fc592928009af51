// Package httphandler exposes the event store over REST.
package httphandler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/application/streams"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
	"github.com/lllypuk/evstore/internal/middleware"
)

// StreamService defines the stream operations used by the handler.
// Declared on the consumer side.
type StreamService interface {
	Append(ctx context.Context, cmd streams.AppendCommand) (streams.AppendResult, error)
	ReadEvents(ctx context.Context, q streams.ReadEventsQuery) (streams.ReadPage, error)
	ReadEventBySequence(ctx context.Context, streamID string, sequence int64) (event.StoredEvent, error)
	GetStream(ctx context.Context, streamID string) (event.Stream, error)
	CreateSnapshot(ctx context.Context, cmd streams.CreateSnapshotCommand) (event.Snapshot, error)
	LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error)
	PruneSnapshots(ctx context.Context, streamID string, keep int) (int64, error)
	DeleteStream(ctx context.Context, streamID string) (bool, error)
}

// EventRequest is one event of an append batch.
type EventRequest struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   event.Metadata  `json:"metadata"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

// AppendEventsRequest is the body of POST /streams/:stream_id/events.
type AppendEventsRequest struct {
	// ExpectedVersion is required: -1 for a new stream, otherwise the current version.
	ExpectedVersion *int64         `json:"expected_version"`
	AggregateType   string         `json:"aggregate_type"`
	Events          []EventRequest `json:"events"`
}

// AppendEventsResponse reports the committed batch.
type AppendEventsResponse struct {
	Events         []event.StoredEvent `json:"events"`
	CurrentVersion int64               `json:"current_version"`
	SnapshotDue    bool                `json:"snapshot_due,omitempty"`
}

// ReadEventsResponse is one page of a stream.
type ReadEventsResponse struct {
	Events         []event.StoredEvent `json:"events"`
	CurrentVersion int64               `json:"current_version"`
	TotalCount     int64               `json:"total_count"`
	Page           int                 `json:"page"`
	PageSize       int                 `json:"page_size"`
	HasNext        bool                `json:"has_next"`
}

// CreateSnapshotRequest is the body of POST /streams/:stream_id/snapshots.
type CreateSnapshotRequest struct {
	SnapshotVersion int64           `json:"snapshot_version"`
	AggregateType   string          `json:"aggregate_type"`
	State           json.RawMessage `json:"state"`
}

// DeleteStreamResponse reports whether the stream existed.
type DeleteStreamResponse struct {
	Deleted bool `json:"deleted"`
}

// PruneSnapshotsResponse reports how many snapshots were removed.
type PruneSnapshotsResponse struct {
	Removed int64 `json:"removed"`
}

// StreamHandler handles stream, event and snapshot requests.
type StreamHandler struct {
	service StreamService
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(service StreamService) *StreamHandler {
	return &StreamHandler{service: service}
}

// RegisterRoutes registers stream routes with the router.
func (h *StreamHandler) RegisterRoutes(r *httpserver.Router) {
	r.Reader().GET("/streams/:stream_id", h.GetStream)
	r.Reader().GET("/streams/:stream_id/events", h.ReadEvents)
	r.Reader().GET("/streams/:stream_id/events/:sequence", h.ReadEvent)
	r.Reader().GET("/streams/:stream_id/snapshots/latest", h.LatestSnapshot)

	r.Writer().POST("/streams/:stream_id/events", h.Append)
	r.Writer().POST("/streams/:stream_id/snapshots", h.CreateSnapshot)

	r.Admin().DELETE("/streams/:stream_id/snapshots", h.PruneSnapshots)
	r.Admin().DELETE("/streams/:stream_id", h.DeleteStream)
}

// Append handles POST /api/v1/streams/:stream_id/events.
// Events without an actor are attributed to the authenticated subject.
func (h *StreamHandler) Append(c echo.Context) error {
	var req AppendEventsRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondError(c, appcore.NewValidationError("body", "must be a JSON object"))
	}
	if req.ExpectedVersion == nil {
		return httpserver.RespondError(c, appcore.NewValidationError("expected_version", "is required"))
	}

	subject := middleware.GetSubject(c)
	batch := make([]event.EventData, len(req.Events))
	for i, e := range req.Events {
		batch[i] = event.EventData{
			EventType: e.EventType,
			Payload:   e.Payload,
			Metadata:  e.Metadata,
		}
		if batch[i].Metadata.ActorID == "" {
			batch[i].Metadata.ActorID = subject
		}
		if e.OccurredAt != nil {
			batch[i].OccurredAt = *e.OccurredAt
		}
	}

	result, err := h.service.Append(c.Request().Context(), streams.AppendCommand{
		StreamID:        c.Param("stream_id"),
		AggregateType:   req.AggregateType,
		ExpectedVersion: *req.ExpectedVersion,
		Events:          batch,
	})
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondCreated(c, AppendEventsResponse{
		Events:         result.Events,
		CurrentVersion: result.CurrentVersion,
		SnapshotDue:    result.SnapshotDue,
	})
}

// ReadEvents handles GET /api/v1/streams/:stream_id/events.
func (h *StreamHandler) ReadEvents(c echo.Context) error {
	var v appcore.Validator
	q := streams.ReadEventsQuery{
		StreamID:    c.Param("stream_id"),
		FromVersion: queryInt(c, &v, "from_version"),
		ToVersion:   queryInt(c, &v, "to_version"),
		EventType:   c.QueryParam("event_type"),
		Page:        int(queryInt(c, &v, "page")),
		PageSize:    int(queryInt(c, &v, "page_size")),
	}
	if err := v.Err(); err != nil {
		return httpserver.RespondError(c, err)
	}

	page, err := h.service.ReadEvents(c.Request().Context(), q)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	events := page.Events
	if events == nil {
		events = []event.StoredEvent{}
	}
	return httpserver.RespondOK(c, ReadEventsResponse{
		Events:         events,
		CurrentVersion: page.CurrentVersion,
		TotalCount:     page.TotalCount,
		Page:           page.Page,
		PageSize:       page.PageSize,
		HasNext:        page.HasNext,
	})
}

// ReadEvent handles GET /api/v1/streams/:stream_id/events/:sequence.
func (h *StreamHandler) ReadEvent(c echo.Context) error {
	sequence, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil {
		return httpserver.RespondError(c, appcore.NewValidationError("sequence", "must be an integer"))
	}

	evt, err := h.service.ReadEventBySequence(c.Request().Context(), c.Param("stream_id"), sequence)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, evt)
}

// GetStream handles GET /api/v1/streams/:stream_id.
func (h *StreamHandler) GetStream(c echo.Context) error {
	stream, err := h.service.GetStream(c.Request().Context(), c.Param("stream_id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, stream)
}

// CreateSnapshot handles POST /api/v1/streams/:stream_id/snapshots.
func (h *StreamHandler) CreateSnapshot(c echo.Context) error {
	var req CreateSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondError(c, appcore.NewValidationError("body", "must be a JSON object"))
	}

	snap, err := h.service.CreateSnapshot(c.Request().Context(), streams.CreateSnapshotCommand{
		StreamID:        c.Param("stream_id"),
		SnapshotVersion: req.SnapshotVersion,
		AggregateType:   req.AggregateType,
		State:           req.State,
	})
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondCreated(c, snap)
}

// LatestSnapshot handles GET /api/v1/streams/:stream_id/snapshots/latest.
func (h *StreamHandler) LatestSnapshot(c echo.Context) error {
	snap, err := h.service.LatestSnapshot(c.Request().Context(), c.Param("stream_id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, snap)
}

// PruneSnapshots handles DELETE /api/v1/streams/:stream_id/snapshots?keep=N.
// Without keep only the latest snapshot survives.
func (h *StreamHandler) PruneSnapshots(c echo.Context) error {
	var v appcore.Validator
	keep := int64(1)
	if c.QueryParam("keep") != "" {
		keep = queryInt(c, &v, "keep")
	}
	if err := v.Err(); err != nil {
		return httpserver.RespondError(c, err)
	}

	removed, err := h.service.PruneSnapshots(c.Request().Context(), c.Param("stream_id"), int(keep))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, PruneSnapshotsResponse{Removed: removed})
}

// DeleteStream handles DELETE /api/v1/streams/:stream_id.
func (h *StreamHandler) DeleteStream(c echo.Context) error {
	deleted, err := h.service.DeleteStream(c.Request().Context(), c.Param("stream_id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, DeleteStreamResponse{Deleted: deleted})
}

// queryInt parses an optional integer query parameter. Absent means zero.
func queryInt(c echo.Context, v *appcore.Validator, name string) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		v.Add(name, "must be an integer")
		return 0
	}
	return n
}
