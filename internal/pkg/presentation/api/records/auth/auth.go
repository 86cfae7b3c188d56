package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/entity-mapper/pkg/records/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("entity-mapper/records/authz")

type Enticator interface {
	CheckAccess(ctx context.Context, r *http.Request, entityTypes []string) error
}

type enticatorImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewAuthenticator prepares the rego policies read from policies. The
// policies are expected to define data.entitymapper.authz.allow.
func NewAuthenticator(ctx context.Context, policies io.Reader) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &enticatorImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.entitymapper.authz.allow"),
		rego.Module("entitymapper.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (e *enticatorImpl) CheckAccess(ctx context.Context, r *http.Request, entityTypes []string) error {
	var err error

	ctx, span := tracer.Start(ctx, "check-auth", trace.WithAttributes(attribute.StringSlice("types", entityTypes)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	user, key, _ := r.BasicAuth()

	input := map[string]any{
		"method": r.Method,
		"path":   strings.Split(strings.Trim(r.URL.Path, "/"), "/"),
		"user":   user,
		"key":    key,
		"types":  entityTypes,
	}

	results, err := e.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		err = fmt.Errorf("opa eval failed: %w", err)
		return err
	}

	if len(results) == 0 {
		err = errors.NewUnauthorizedError("auth failed: opa query could not be satisfied")
		return err
	}

	binding := results[0].Bindings["x"]

	// A failed authorization binds a single false.
	allowed, ok := binding.(bool)
	if ok && !allowed {
		logging.GetFromContext(ctx).Info("access denied", "user", user, "method", r.Method, "path", r.URL.Path)
		err = errors.NewUnauthorizedError("authorization failed")
		return err
	}

	if _, ok = binding.(map[string]any); !ok && !allowed {
		err = fmt.Errorf("opa error: unexpected result type %T", binding)
		return err
	}

	return nil
}

type allowAll struct{}

// AllowAll returns an Enticator that grants every request.
func AllowAll() Enticator {
	return allowAll{}
}

func (allowAll) CheckAccess(context.Context, *http.Request, []string) error {
	return nil
}
