package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"astral-proxy/internal/adapter/protocol"
	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/tracer"
)

// Response is a successful (2xx) API answer.
type Response struct {
	Status int
	Data   []byte
}

// Decode unmarshals the response body as JSON.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return domain.NewDomainError("link.Response.Decode", domain.ErrDecode, err.Error())
	}
	return nil
}

// DedupeKey identifies a logical request. Query and body pairs are sorted
// by key, then value, so map order never matters.
func DedupeKey(method protocol.Method, path string, query, body map[string]string) string {
	return fmt.Sprintf("%s|%s|q:%s|b:%s", method, path, normalize(query), normalize(body))
}

func normalize(m map[string]string) string {
	pairs := sortedParams(m)
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Key + "=" + p.Value
	}
	return strings.Join(parts, "&")
}

func sortedParams(m map[string]string) []protocol.Param {
	if len(m) == 0 {
		return nil
	}
	out := make([]protocol.Param, 0, len(m))
	for k, v := range m {
		out = append(out, protocol.Param{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Call sends an API request over the socket and waits for its response.
// Identical concurrent calls share one wire request and its outcome.
//
// The wire request and the caller's wait have separate lifetimes: when the
// request times out or ctx ends, only the local wait is abandoned.
func (c *Client) Call(ctx context.Context, method protocol.Method, path string, query, body map[string]string) (*Response, error) {
	ctx, span := tracer.StartSpan(ctx, "link.call", trace.WithAttributes(
		tracer.StringAttr("link.method", method.String()),
		tracer.StringAttr("link.path", path),
	))
	defer span.End()

	if _, err := c.readySession("Link.Call"); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	key := DedupeKey(method, path, query, body)
	ch := c.calls.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.lifeCtx, cancel)
		defer stop()
		return c.send(flightCtx, method, path, query, body)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			tracer.RecordError(span, res.Err)
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		span.SetAttributes(tracer.IntAttr("link.status", resp.Status))
		if res.Shared {
			span.SetAttributes(tracer.BoolAttr("link.shared", true))
		}
		tracer.SetOK(span)
		return resp, nil
	case <-ctx.Done():
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, method protocol.Method, path string, query, body map[string]string) (*Response, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	sess, err := c.readySession("Link.Call")
	if err != nil {
		return nil, err
	}

	id, ch, err := sess.register()
	if err != nil {
		return nil, domain.NewSubSystemError("link", "Link.Call", err, fmt.Sprintf("%s %s", method, path))
	}
	f, err := protocol.EncodeAPIRequest(protocol.APIRequest{
		RequestID: id,
		Method:    method,
		Path:      path,
		Query:     sortedParams(query),
		Body:      sortedParams(body),
	})
	if err != nil {
		sess.forget(id)
		return nil, err
	}
	if err := sess.enqueue(ctx, f); err != nil {
		sess.forget(id)
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(tracer.IntAttr("link.request_id", int(id)))

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, domain.NewSubSystemError("link", "Link.Call", res.err, fmt.Sprintf("%s %s", method, path))
		}
		if !res.resp.OK() {
			return nil, &domain.APIStatusError{Status: int(res.resp.Status), Body: res.resp.Data}
		}
		return &Response{Status: int(res.resp.Status), Data: res.resp.Data}, nil
	case <-timer.C:
		sess.forget(id)
		c.logger.Warn("link request timed out", "request_id", id, "method", method.String(), "path", path)
		return nil, timeoutError("link", "Link.Call", c.opts.RequestTimeout)
	case <-ctx.Done():
		sess.forget(id)
		return nil, ctx.Err()
	}
}

// Do implements domain.BackendAPI on top of Call.
func (c *Client) Do(ctx context.Context, req domain.APIRequest) ([]byte, error) {
	method, err := protocol.ParseMethod(req.Method)
	if err != nil {
		return nil, domain.NewDomainError("Link.Do", domain.ErrInvalidInput, err.Error())
	}
	resp, err := c.Call(ctx, method, req.Path, req.Query, req.Body)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
