package auth

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alexjbarnes/globus-auth/internal/apierror"
)

// Handler performs the action chosen for a classified error body.
type Handler func(ctx context.Context) error

func noop(context.Context) error { return nil }

// ErrorResponseHandler classifies raw and returns the action that would
// resolve it without running it. Unrecognized bodies get a no-op.
// Additional params are added to any authorization request the action
// starts and win over derived parameters.
func (m *Manager) ErrorResponseHandler(raw []byte, params map[string]string) Handler {
	c := apierror.Classify(raw)

	m.metrics.ErrorTriage(context.Background(), c.Kind.String())

	switch c.Kind {
	case apierror.AuthorizationRequirements:
		return m.authorizationRequirementsHandler(c.AuthorizationParameters, params)
	case apierror.ConsentRequired:
		opts := LoginOptions{
			Scopes: strings.Join(c.RequiredScopes, " "),
			Params: params,
		}

		return func(ctx context.Context) error { return m.Prompt(ctx, opts) }
	case apierror.AuthenticationFailed:
		return m.Revoke
	}

	if c.Code != "" {
		m.logger.Debug("unhandled error response", slog.String("code", c.Code))
	}

	return noop
}

// HandleErrorResponse classifies raw and runs the chosen action.
func (m *Manager) HandleErrorResponse(ctx context.Context, raw []byte, params map[string]string) error {
	return m.ErrorResponseHandler(raw, params)(ctx)
}

func (m *Manager) authorizationRequirementsHandler(ap *apierror.AuthorizationParameters, extra map[string]string) Handler {
	p := map[string]string{"prompt": "login"}

	var opts LoginOptions

	if ap != nil {
		if ap.SessionMessage != "" {
			p["session_message"] = ap.SessionMessage
		}

		if len(ap.SessionRequiredIdentities) > 0 {
			p["session_required_identities"] = strings.Join(ap.SessionRequiredIdentities, ",")
		}

		if ap.SessionRequiredMFA != nil {
			p["session_required_mfa"] = strconv.FormatBool(*ap.SessionRequiredMFA)
		}

		if len(ap.SessionRequiredSingleDomain) > 0 {
			p["session_required_single_domain"] = strings.Join(ap.SessionRequiredSingleDomain, ",")
		}

		if len(ap.SessionRequiredPolicies) > 0 {
			p["session_required_policies"] = strings.Join(ap.SessionRequiredPolicies, ",")
		}

		if len(ap.RequiredScopes) > 0 {
			opts.Scopes = strings.Join(ap.RequiredScopes, " ")
		}
	}

	for k, v := range extra {
		p[k] = v
	}

	opts.Params = p

	return func(ctx context.Context) error { return m.Prompt(ctx, opts) }
}
