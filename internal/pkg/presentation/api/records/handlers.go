package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/entity-mapper/internal/pkg/presentation/api/records/auth"
	"github.com/diwise/entity-mapper/pkg/records"
	"github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("entity-mapper/records/api")

// RegisterHandlers exposes svc as the records API expected by the records
// client.
func RegisterHandlers(ctx context.Context, r chi.Router, authenticator auth.Enticator, svc records.Service) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(
			Logger(logging.GetFromContext(ctx)),
			SessionMiddleware(),
			RequiredContentTypes([]string{"application/json"}),
		)

		r.Route("/schema/types", func(r chi.Router) {
			r.Get("/", NewListTypesHandler(svc, authenticator))
			r.Get("/{type}/fields", NewListFieldsHandler(svc, authenticator))
		})

		r.Route("/entities/{type}", func(r chi.Router) {
			r.Post("/", NewCreateHandler(svc, authenticator))
			r.Post("/query", NewQueryHandler(svc, authenticator))
			r.Patch("/{id}", NewUpdateHandler(svc, authenticator))
			r.Delete("/{id}", NewDeleteHandler(svc, authenticator))
		})
	})
}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionMiddleware adds the session id sent by the client to the logger
// and the request metrics.
func SessionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := r.Header.Get(records.SessionHeader)
			if session == "" {
				next.ServeHTTP(w, r)
				return
			}

			if labeler, found := otelhttp.LabelerFromContext(r.Context()); found {
				labeler.Add(attribute.String("records.session", session))
			}

			ctx := logging.NewContextWithLogger(r.Context(), logging.GetFromContext(r.Context()), "session", session)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			}
		})
	}
}

func NewListTypesHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-types")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, nil); err != nil {
			reportError(ctx, w, err)
			return
		}

		var types map[string]records.TypeInfo
		types, err = svc.SchemaListTypes(ctx)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		writeJSON(ctx, w, http.StatusOK, types)
	}
}

func NewListFieldsHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		entityType := chi.URLParam(r, "type")

		ctx, span := tracer.Start(r.Context(), "list-fields", trace.WithAttributes(attribute.String("type", entityType)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, []string{entityType}); err != nil {
			reportError(ctx, w, err)
			return
		}

		var fields map[string]records.FieldInfo
		fields, err = svc.SchemaListFields(ctx, entityType)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		writeJSON(ctx, w, http.StatusOK, fields)
	}
}

func NewQueryHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		entityType := chi.URLParam(r, "type")

		ctx, span := tracer.Start(r.Context(), "query-entities", trace.WithAttributes(attribute.String("type", entityType)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, []string{entityType}); err != nil {
			reportError(ctx, w, err)
			return
		}

		q := records.QueryRequest{}
		if err = json.NewDecoder(r.Body).Decode(&q); err != nil {
			err = errors.NewBadRequestError(fmt.Sprintf("unable to decode request payload: %s", err.Error()))
			reportError(ctx, w, err)
			return
		}

		response := records.QueryResponse{}

		if q.One {
			response.Record, err = svc.FindOne(ctx, entityType, q.Filters, q.Fields, q.Order)
		} else {
			response.Records, err = svc.Find(ctx, entityType, q.Filters, q.Fields, q.Order, q.Limit)
		}

		if err != nil {
			reportError(ctx, w, err)
			return
		}

		if !q.One && response.Records == nil {
			response.Records = []records.Record{}
		}

		writeJSON(ctx, w, http.StatusOK, response)
	}
}

func NewCreateHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		entityType := chi.URLParam(r, "type")

		ctx, span := tracer.Start(r.Context(), "create-entity", trace.WithAttributes(attribute.String("type", entityType)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, []string{entityType}); err != nil {
			reportError(ctx, w, err)
			return
		}

		values := records.Record{}
		if err = json.NewDecoder(r.Body).Decode(&values); err != nil {
			err = errors.NewBadRequestError(fmt.Sprintf("unable to decode request payload: %s", err.Error()))
			reportError(ctx, w, err)
			return
		}

		var id int64
		id, err = svc.Create(ctx, entityType, values)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		w.Header().Add("Location", fmt.Sprintf("%s/%s/%d", records.EntitiesPath, entityType, id))
		writeJSON(ctx, w, http.StatusCreated, records.CreateResponse{ID: id})
	}
}

func NewUpdateHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		entityType := chi.URLParam(r, "type")

		ctx, span := tracer.Start(r.Context(), "update-entity", trace.WithAttributes(attribute.String("type", entityType)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, []string{entityType}); err != nil {
			reportError(ctx, w, err)
			return
		}

		var id int64
		id, err = entityID(r)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		values := records.Record{}
		if err = json.NewDecoder(r.Body).Decode(&values); err != nil {
			err = errors.NewBadRequestError(fmt.Sprintf("unable to decode request payload: %s", err.Error()))
			reportError(ctx, w, err)
			return
		}

		if err = svc.Update(ctx, entityType, id, values); err != nil {
			reportError(ctx, w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func NewDeleteHandler(svc records.Service, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		entityType := chi.URLParam(r, "type")

		ctx, span := tracer.Start(r.Context(), "delete-entity", trace.WithAttributes(attribute.String("type", entityType)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if err = authenticator.CheckAccess(ctx, r, []string{entityType}); err != nil {
			reportError(ctx, w, err)
			return
		}

		var id int64
		id, err = entityID(r)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		if err = svc.Delete(ctx, entityType, id); err != nil {
			reportError(ctx, w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func entityID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.NewBadRequestError(fmt.Sprintf("invalid entity id %q", chi.URLParam(r, "id")))
	}
	return id, nil
}

func reportError(ctx context.Context, w http.ResponseWriter, err error) {
	logging.GetFromContext(ctx).Info("request failed", "err", err.Error())
	errors.ProblemFromError(err, traceID(ctx)).WriteResponse(w)
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		logging.GetFromContext(ctx).Error("failed to marshal response", "err", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
