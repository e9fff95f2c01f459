// Package csrf blocks GraphQL requests that a browser could send cross-site without a preflight.
package csrf

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/d3rp3tt3/router/core"
)

func init() {
	core.RegisterModule(&Module{})
}

const ModuleID = "csrf"

var defaultRequiredHeaders = []string{"x-apollo-operation-name", "apollo-require-preflight"}

// simpleContentTypes are the content types a browser sends without a CORS preflight.
var simpleContentTypes = map[string]struct{}{
	"application/x-www-form-urlencoded": {},
	"multipart/form-data":               {},
	"text/plain":                        {},
}

// Module aborts requests that have neither a non-simple content type nor one of RequiredHeaders.
type Module struct {
	// UnsafeDisabled turns the check off.
	UnsafeDisabled  bool     `mapstructure:"unsafe_disabled"`
	RequiredHeaders []string `mapstructure:"required_headers"`

	message string
	logger  *zap.Logger
}

func (m *Module) Provision(ctx *core.ModuleContext) error {
	if len(m.RequiredHeaders) == 0 {
		m.RequiredHeaders = append([]string(nil), defaultRequiredHeaders...)
	}
	for i, h := range m.RequiredHeaders {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return fmt.Errorf("required_headers[%d] must not be empty", i)
		}
		m.RequiredHeaders[i] = h
	}
	m.message = fmt.Sprintf("This operation has been blocked as a potential Cross-Site Request Forgery (CSRF). "+
		"Please either specify a 'content-type' header "+
		"(with a mime-type that is not one of application/x-www-form-urlencoded, multipart/form-data, text/plain) "+
		"or provide one of the following headers: %s", strings.Join(m.RequiredHeaders, ", "))
	m.logger = ctx.Logger
	if m.UnsafeDisabled {
		m.logger.Warn("CSRF prevention is disabled")
	}
	return nil
}

func (m *Module) OnSupergraphRequest(ctx context.Context, req *core.Request) core.HookResult {
	if m.UnsafeDisabled || m.isPreflighted(req.Headers) {
		return core.Continue()
	}
	req.Context.Logger().Debug("Request blocked by CSRF prevention")
	return core.AbortWithStatus(http.StatusBadRequest, m.message)
}

// isPreflighted reports whether a browser would have sent a preflight for a request with headers.
func (m *Module) isPreflighted(headers *core.Headers) bool {
	if contentTypeRequiresPreflight(headers.Values("content-type")) {
		return true
	}
	for _, name := range m.RequiredHeaders {
		if headers.Has(name) {
			return true
		}
	}
	return false
}

func contentTypeRequiresPreflight(values []string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				// Browsers only skip the preflight for content types they can parse.
				continue
			}
			if _, simple := simpleContentTypes[mediaType]; !simple {
				return true
			}
		}
	}
	return false
}

func (m *Module) Module() core.ModuleInfo {
	priority := 0
	return core.ModuleInfo{
		ID:       ModuleID,
		Priority: &priority,
		New: func() core.Module {
			return &Module{}
		},
	}
}

// Interface guard
var (
	_ core.SupergraphRequestHandler = (*Module)(nil)
	_ core.Provisioner              = (*Module)(nil)
)
