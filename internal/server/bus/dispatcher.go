package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"hermes/internal/server/database"
	"hermes/internal/server/health"
	"hermes/internal/server/metrics"
	"hermes/internal/server/service"
)

const internalError = "internal server error"

var errInvalidStructure = errors.New("invalid message structure")

// Dispatcher routes decoded requests to the file and binding services and
// builds exactly one response per request.
type Dispatcher struct {
	files    *service.FileService
	bindings *service.BindingService
	tracker  *health.Tracker
	validate *validator.Validate
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. tracker may be nil.
func NewDispatcher(files *service.FileService, bindings *service.BindingService, tracker *health.Tracker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		files:    files,
		bindings: bindings,
		tracker:  tracker,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle decodes body, runs the operation selected by routingKey and the
// request intention, and returns the response to publish.
func (d *Dispatcher) Handle(ctx context.Context, routingKey string, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		d.logger.Warn("failed to decode request", slog.String("key", routingKey), slog.String("error", err.Error()))
		return d.finish(routingKey, intentionInvalid, req.reply(http.StatusBadRequest, []string{errInvalidStructure.Error()}))
	}
	if err := d.validate.Struct(&req); err != nil {
		return d.finish(routingKey, intentionInvalid, req.reply(http.StatusBadRequest, validationMessages(err)))
	}

	d.logger.Debug("request received",
		slog.Int64("msg_id", req.MsgID),
		slog.String("key", routingKey),
		slog.String("intention", req.Intention),
	)

	var resp Response
	switch {
	case routingKey == RouteDetails || strings.HasPrefix(routingKey, RouteDetails+"."):
		resp = d.details(ctx, &req)
	case routingKey == RouteEvents || strings.HasPrefix(routingKey, RouteEvents+"."):
		resp = d.events(ctx, &req)
	case routingKey == RouteDiscover:
		resp = d.discover(ctx, &req)
	case routingKey == RouteDelete:
		resp = d.cascade(ctx, &req)
	default:
		resp = req.reply(http.StatusMethodNotAllowed, []string{"invalid routing key"})
	}
	return d.finish(routingKey, req.Intention, resp)
}

func (d *Dispatcher) details(ctx context.Context, req *Request) Response {
	switch req.Intention {
	case IntentionCreate:
		if req.Size == nil {
			return req.reply(http.StatusBadRequest, []string{"size is required"})
		}
		res, err := d.files.Create(ctx, req.newFile())
		if err != nil {
			return d.failure(req, err)
		}
		resp := req.reply(http.StatusOK, []string{res.ID})
		resp.UploadURI = res.UploadURL
		return resp

	case IntentionRead:
		files, err := d.files.Query(ctx, req.query())
		if err != nil {
			return d.failure(req, err)
		}
		return req.reply(http.StatusOK, files)

	case IntentionUpdate:
		err := d.files.Update(ctx, req.ID, database.Fields{Name: req.Name, Type: req.Type})
		if err != nil {
			return d.failure(req, err)
		}
		return req.reply(http.StatusOK, []string{req.ID})

	default: // IntentionDelete
		if err := d.files.Delete(ctx, req.ID); err != nil {
			return d.failure(req, err)
		}
		return req.reply(http.StatusOK, []string{req.ID})
	}
}

// events handles binding requests. The presence of eventID or fileID picks
// the direction of the operation.
func (d *Dispatcher) events(ctx context.Context, req *Request) Response {
	owner := service.AnyOwner()
	if req.LocalOnly {
		owner = service.OwnedBy(req.UserID)
	}

	var (
		result any
		err    error
	)
	switch {
	case req.EventID != nil:
		eventID := *req.EventID
		switch req.Intention {
		case IntentionCreate:
			result, err = d.bindings.AddFilesToEvent(ctx, eventID, req.FileIDs, owner)
		case IntentionRead:
			result, err = d.bindings.ListFilesForEvent(ctx, eventID, owner)
		case IntentionUpdate:
			result, err = d.bindings.ReplaceFilesForEvent(ctx, eventID, req.FileIDs, owner)
		case IntentionDelete:
			result, err = d.bindings.RemoveFilesFromEvent(ctx, eventID, req.FileIDs, owner)
		}
	case req.FileID != nil:
		fileID := *req.FileID
		switch req.Intention {
		case IntentionCreate:
			result, err = d.bindings.AddEventsToFile(ctx, fileID, req.EventIDs, owner)
		case IntentionRead:
			result, err = d.bindings.ListEventsForFile(ctx, fileID, owner)
		case IntentionUpdate:
			result, err = d.bindings.ReplaceEventsForFile(ctx, fileID, req.EventIDs, owner)
		case IntentionDelete:
			result, err = d.bindings.RemoveEventsFromFile(ctx, fileID, req.EventIDs, owner)
		}
	default:
		return req.reply(http.StatusMethodNotAllowed, []string{errInvalidStructure.Error()})
	}

	if err != nil {
		return d.failure(req, err)
	}
	return req.reply(http.StatusOK, result)
}

func (d *Dispatcher) discover(ctx context.Context, req *Request) Response {
	n, err := d.files.Discover(ctx, req.AssetType, req.AssetID)
	if err != nil {
		return d.failure(req, err)
	}
	resp := req.reply(http.StatusOK, []string{})
	resp.Count = &n
	return resp
}

// cascade removes file records when an entity they depend on is deleted.
func (d *Dispatcher) cascade(ctx context.Context, req *Request) Response {
	switch req.AssetType {
	case service.KindEvent:
		deleted, err := d.files.DeleteEvent(ctx, req.AssetID)
		if err != nil {
			return d.failure(req, err)
		}
		return req.reply(http.StatusOK, deleted)
	case service.KindFile:
		if err := d.files.Delete(ctx, req.AssetID); err != nil {
			return d.failure(req, err)
		}
		return req.reply(http.StatusOK, []string{req.AssetID})
	default:
		return req.reply(http.StatusBadRequest, []string{fmt.Sprintf("unknown entity type %q", req.AssetType)})
	}
}

// failure converts a service error into a response. Client errors carry
// their message; anything else is logged and reported generically.
func (d *Dispatcher) failure(req *Request, err error) Response {
	if !service.IsClientError(err) {
		d.logger.Error("request failed",
			slog.Int64("msg_id", req.MsgID),
			slog.String("intention", req.Intention),
			slog.String("error", err.Error()),
		)
		return req.reply(http.StatusInternalServerError, []string{internalError})
	}
	return req.reply(statusFor(err), []string{err.Error()})
}

// finish records the outcome. intention must be one of the validated
// intentions or intentionInvalid.
func (d *Dispatcher) finish(routingKey, intention string, resp Response) Response {
	if d.tracker != nil {
		d.tracker.Record(resp.Status < http.StatusInternalServerError)
	}
	metrics.BusRequests.WithLabelValues(routeFamily(routingKey), intention, strconv.Itoa(resp.Status)).Inc()
	return resp
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// routeFamily bounds the label cardinality of routing keys.
func routeFamily(key string) string {
	for _, family := range []string{RouteDetails, RouteEvents, RouteDiscover, RouteDelete} {
		if key == family || strings.HasPrefix(key, family+".") {
			return family
		}
	}
	return "unknown"
}

func validationMessages(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, fmt.Sprintf("%s: validation failed on '%s' tag", e.Field(), e.Tag()))
	}
	return out
}
