package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Fetch outcomes recorded by InstrumentedTransport.
const (
	OutcomeSuccess   = "success"
	OutcomeClientErr = "4xx"
	OutcomeServerErr = "5xx"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
	// OutcomeTruncated means the origin went away part way through the body,
	// which is how a flaky connection usually shows up.
	OutcomeTruncated = "truncated"
)

// InstrumentedTransport records a fetch metric for every origin round trip.
// The metric is recorded once the response body is closed, so duration and
// bytes cover the whole transfer.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport wraps base, labelling its traffic with target
// (e.g. "origin"). A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(ctx, t.target, time.Since(start), 0, transportOutcome(ctx, err))
		return nil, err
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		outcome:    statusOutcome(resp.StatusCode),
		record: func(n int64, outcome string) {
			RecordUpstreamFetch(ctx, t.target, time.Since(start), n, outcome)
		},
	}
	return resp, nil
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return OutcomeServerErr
	case status >= 400:
		return OutcomeClientErr
	default:
		return OutcomeSuccess
	}
}

func transportOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	return OutcomeError
}

// meteredBody counts body bytes and records the fetch on the first Close.
type meteredBody struct {
	io.ReadCloser
	n       int64
	outcome string
	record  func(n int64, outcome string)
	once    sync.Once
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.outcome = OutcomeTruncated
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.once.Do(func() { b.record(b.n, b.outcome) })
	return b.ReadCloser.Close()
}
