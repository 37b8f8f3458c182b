package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/conveyorhq/conveyor/internal/api/shared"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
)

// StreamHandler serves the event stream over Server-Sent Events.
type StreamHandler struct {
	bus    *events.Bus
	clock  clockwork.Clock
	config config.EventsConfig
	logger *slog.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(
	bus *events.Bus,
	clock clockwork.Clock,
	cfg config.EventsConfig,
	log *slog.Logger,
) *StreamHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for StreamHandler")
	}

	return &StreamHandler{
		bus:    bus,
		clock:  clock,
		config: cfg,
		logger: log.With(slog.String("component", "stream_handler")),
	}
}

// Stream handles GET /events?channel=<name>&from=<sequence> requests.
//
// Subscribers resume after a disconnect by passing the last sequence they
// observed, either in the from query parameter or the Last-Event-ID
// header; missed events are replayed from the durable log before the
// stream goes live. Heartbeat frames keep idle connections open through
// proxies.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	principalID, ok := principalFromRequest(r)
	if !ok {
		log.Warn("principal ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized,
			shared.CodeUnauthorized, "Principal not found or invalid")
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Channel is required")
		return
	}
	if !channelAllowed(channel, principalID.String()) {
		// Foreign per-principal channels read as absent.
		shared.RespondWithError(w, r, http.StatusNotFound,
			shared.CodeNotFound, "Channel not found")
		return
	}

	fromSeq, err := resumeSequence(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			shared.CodeValidationError, "Invalid resume sequence")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		shared.RespondWithError(w, r, http.StatusInternalServerError,
			shared.CodeInternalError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(r.Context(), channel, fromSeq)
	defer sub.Cancel()

	heartbeat := h.clock.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()

	log.Debug("event stream opened",
		slog.String("principal_id", principalID.String()),
		slog.String("channel", channel),
		slog.Int64("from", fromSeq))

	for {
		select {
		case <-r.Context().Done():
			return

		case event, open := <-sub.Events():
			if !open {
				// The subscription was dropped for falling behind; the
				// client reconnects with its last sequence and replays.
				log.Debug("event stream closed by bus",
					slog.String("channel", channel))
				return
			}
			if err := writeEvent(w, event); err != nil {
				log.Debug("event stream write failed",
					slog.String("channel", channel),
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()

		case <-heartbeat.Chan():
			if _, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", domain.EventTypeHeartbeat); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE frame. The event sequence doubles as the SSE
// id so browsers resume with Last-Event-ID automatically.
func writeEvent(w http.ResponseWriter, event *domain.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		event.Sequence, event.Type, event.Payload)
	return err
}

// channelAllowed reports whether the principal may subscribe to the
// channel. Shared channels are open to every authenticated principal;
// user channels only to their owner.
func channelAllowed(channel, principalID string) bool {
	switch channel {
	case domain.ChannelTasks, domain.ChannelQueues, domain.ChannelWorkers:
		return true
	}
	if strings.HasPrefix(channel, "user:") {
		return channel == domain.UserChannel(principalID)
	}
	return false
}

// resumeSequence reads the resume point from the from query parameter or
// the Last-Event-ID header. Zero means no replay.
func resumeSequence(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("from")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid sequence %q", raw)
	}
	return seq, nil
}
