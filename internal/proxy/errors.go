package proxy

import (
	"context"
	"errors"
	"net"

	"github.com/nulpointcorp/llm-router/internal/fallback"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// writeTerminalError classifies an upstream failure into the OpenAI-shaped
// envelope:
//
//	deadline tripped            → 504 timeout_error
//	all providers exhausted     → 503 server_error
//	no provider available       → 503 server_error
//	upstream 4xx                → mapped type per status
//	upstream 5xx / network      → 502 api_error
//	anything else               → 500 internal_error
//
// In production the upstream message is replaced with a generic one —
// endpoint URLs, request ids, and quota details stay in the logs.
func (g *Gateway) writeTerminalError(ctx *fasthttp.RequestCtx, err error) {
	var deadlineErr *fallback.DeadlineError
	if errors.As(err, &deadlineErr) || errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	var exhausted *fallback.ExhaustedError
	if errors.As(err, &exhausted) {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			g.scrub(err, "all upstream providers failed"),
			apierr.TypeServerError, apierr.CodeAllProvidersFailed)
		return
	}

	if errors.Is(err, routing.ErrNoProviderAvailable) {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"no provider available for this request",
			apierr.TypeServerError, apierr.CodeNoProviderAvailable)
		return
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status >= 400 && status < 500 {
			apierr.Write(ctx, status,
				g.scrub(err, "upstream rejected the request"),
				apierr.TypeForUpstreamStatus(status), apierr.CodeProviderError)
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			g.scrub(err, "upstream provider error"),
			apierr.TypeAPIError, apierr.CodeProviderError)
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			g.scrub(err, "upstream provider error"),
			apierr.TypeAPIError, apierr.CodeProviderError)
		return
	}

	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		g.scrub(err, "internal server error"),
		apierr.TypeInternalError, apierr.CodeInternalError)
}

// scrub returns the generic message in production and the real error text
// otherwise.
func (g *Gateway) scrub(err error, generic string) string {
	if g.opts.Production {
		return generic
	}
	return err.Error()
}
