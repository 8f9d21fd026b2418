// Package orchestrator implements the per-request dispatch sequence for a
// principal already authenticated by the HTTP middleware (req.PrincipalID):
// admit through the concurrency gate, lease an
// upstream key, dispatch to the upstream client via the dialect adapter,
// stream or buffer the response back to the caller, retry once pre-byte on
// a retryable failure with a different key, release the lease, and append
// a request log.
//
// The retry budget is fixed at one attempt, and only applies before any
// response byte has reached the caller.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/apierr"
	"llmgate/internal/dialect"
	"llmgate/internal/gate"
	"llmgate/internal/keypool"
	"llmgate/internal/monitoring"
	"llmgate/internal/store/sqlite"
	"llmgate/internal/upstreamclient"
)

// Request is everything the orchestrator needs to dispatch one proxied call.
type Request struct {
	Ctx          context.Context
	PrincipalID  string
	Dialect      string // "gemini" or "openai-chat"
	Model        string
	Method       string
	UpstreamPath string
	Body         []byte
	Stream       bool
	// Writer/Flusher are set when Stream is true; the orchestrator copies
	// upstream SSE bytes to Writer verbatim and calls Flusher after each event.
	Writer  io.Writer
	Flusher func()
}

// Result summarizes a completed dispatch for the HTTP layer and for logging.
type Result struct {
	StatusCode int
	Body       []byte // only populated for non-streamed responses
	Usage      dialect.Usage
	Retried    bool
	Err        *apierr.Error
}

// Orchestrator wires the gate, key pool, upstream client, dialect registry,
// and request log store together.
type Orchestrator struct {
	Gate      *gate.Gate
	Pool      *keypool.Pool
	Client    *upstreamclient.Client
	Store     *sqlite.Store
	RequestTO time.Duration
	// StreamIdleTimeout bounds the gap between consecutive upstream chunks
	// on a streaming response; a stall longer than this cancels the
	// upstream request. Zero disables the idle deadline.
	StreamIdleTimeout time.Duration
}

// Dispatch runs the admit-lease-dispatch-release sequence; authentication
// has already happened in middleware before Dispatch is called.
func (o *Orchestrator) Dispatch(req Request) Result {
	start := time.Now()
	adapter := dialect.For(req.Dialect)
	if adapter == nil {
		return o.finish(req, start, Result{Err: apierr.New(apierr.KindInternal, "unknown dialect "+req.Dialect)}, "", false)
	}

	release, err := o.Gate.Acquire(req.Ctx)
	if err != nil {
		return o.finish(req, start, Result{Err: err.(*apierr.Error)}, "", false)
	}
	defer release()

	lease, lErr := o.Pool.Acquire(req.Ctx)
	if lErr != nil {
		apiErr, _ := lErr.(*apierr.Error)
		if apiErr == nil {
			apiErr = apierr.New(apierr.KindNoKeyAvailable, lErr.Error())
		}
		return o.finish(req, start, Result{Err: apiErr}, "", false)
	}

	body, err2 := adapter.RewriteModel(req.Body, req.Model)
	if err2 != nil {
		o.Pool.Return(req.Ctx, lease, apierr.ClassNone)
		return o.finish(req, start, Result{Err: apierr.New(apierr.KindInternal, "rewrite model: "+err2.Error())}, lease.Key.ID, false)
	}

	result, retried, usedKeyID := o.dispatchWithRetry(req, adapter, body, lease)
	return o.finish(req, start, result, usedKeyID, retried)
}

// dispatchWithRetry performs the single pre-byte retry: on a retryable
// classification, and only if no response byte has reached the client yet,
// it leases a second key and tries once more.
func (o *Orchestrator) dispatchWithRetry(req Request, adapter dialect.Adapter, body []byte, lease *keypool.Lease) (Result, bool, string) {
	result, class, byteSent := o.attempt(req, adapter, body, lease.Key.Secret)
	o.Pool.Return(req.Ctx, lease, class)
	usedKeyID := lease.Key.ID

	if byteSent || result.Err == nil || !result.Err.Kind.Retryable() {
		return result, false, usedKeyID
	}

	// A retry must land on a different credential than the one that just
	// failed; with a single key registered there is nothing else to try.
	if o.Pool.Len() < 2 {
		return result, false, usedKeyID
	}

	altLease, err := o.Pool.AcquireExcluding(req.Ctx, usedKeyID)
	if err != nil {
		return result, false, usedKeyID
	}
	altResult, altClass, _ := o.attempt(req, adapter, body, altLease.Key.Secret)
	o.Pool.Return(req.Ctx, altLease, altClass)
	return altResult, true, altLease.Key.ID
}

// attempt makes exactly one upstream call. byteSent reports whether any
// response byte reached req.Writer, which forecloses a retry regardless of
// how the attempt ultimately classifies.
func (o *Orchestrator) attempt(req Request, adapter dialect.Adapter, body []byte, bearer string) (Result, apierr.KeyClassification, bool) {
	ctx, cancel := context.WithTimeout(req.Ctx, o.RequestTO)
	defer cancel()

	httpReq, err := o.Client.NewRequest(ctx, req.Method, req.UpstreamPath, body, bearer)
	if err != nil {
		return Result{Err: apierr.New(apierr.KindInternal, err.Error())}, apierr.ClassNone, false
	}

	resp, err := o.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Err: apierr.New(apierr.KindRequestTimeout, "upstream request timed out")}, apierr.ClassTransient, false
		}
		return Result{Err: apierr.New(apierr.KindUpstream5xx, err.Error())}, apierr.ClassTransient, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		upstreamBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		kind := apierr.Classify(resp.StatusCode)
		apiErr := apierr.New(kind, string(upstreamBody)).WithStatus(resp.StatusCode)
		return Result{StatusCode: resp.StatusCode, Err: apiErr}, kind.KeyClass(), false
	}

	if req.Stream {
		usage, byteSent := o.pumpStream(cancel, resp.Body, adapter, req.Writer, req.Flusher)
		return Result{StatusCode: resp.StatusCode, Usage: usage}, apierr.ClassSuccess, byteSent
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Err: apierr.New(apierr.KindMalformedResponse, err.Error())}, apierr.ClassTransient, false
	}
	usage := adapter.UsageFromResponse(respBody)
	return Result{StatusCode: resp.StatusCode, Body: respBody, Usage: usage}, apierr.ClassSuccess, false
}

// pumpStream forwards upstream SSE bytes to the client verbatim while
// parsing alongside for usage extraction. The scan-and-forward loop never
// blocks on parsing, so a malformed usage payload never interrupts the
// stream.
//
// An idle timer armed with StreamIdleTimeout is reset on every chunk; if it
// fires before the next chunk arrives it cancels the upstream request via
// cancelUpstream, which unblocks the in-flight Scan() with a context error.
func (o *Orchestrator) pumpStream(cancelUpstream context.CancelFunc, body io.Reader, adapter dialect.Adapter, w io.Writer, flush func()) (dialect.Usage, bool) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var usage dialect.Usage
	byteSent := false

	var idleTimer *time.Timer
	if o.StreamIdleTimeout > 0 {
		idleTimer = time.AfterFunc(o.StreamIdleTimeout, cancelUpstream)
		defer idleTimer.Stop()
	}

	for scanner.Scan() {
		if idleTimer != nil {
			idleTimer.Reset(o.StreamIdleTimeout)
		}
		line := scanner.Bytes()
		if w != nil {
			if _, err := w.Write(line); err == nil {
				w.Write([]byte("\n"))
				byteSent = true
			}
			if flush != nil {
				flush()
			}
		}

		payload := bytes.TrimPrefix(bytes.TrimSpace(line), []byte("data:"))
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}
		if adapter.IsStreamDone(payload) {
			continue
		}
		if u, ok := adapter.UsageFromStreamChunk(payload); ok {
			usage = u
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("orchestrator: stream scan ended with error")
	}
	return usage, byteSent
}

func (o *Orchestrator) finish(req Request, start time.Time, result Result, keyID string, retried bool) Result {
	result.Retried = retried
	status := result.StatusCode
	errorKind := ""
	if result.Err != nil {
		if status == 0 {
			status = result.Err.Status
		}
		errorKind = string(result.Err.Kind)
	}

	statusClass := fmt.Sprintf("%dxx", status/100)
	monitoring.DispatchTotal.WithLabelValues(req.Dialect, statusClass).Inc()
	monitoring.DispatchDuration.WithLabelValues(req.Dialect).Observe(time.Since(start).Seconds())
	if retried {
		monitoring.DispatchRetriesTotal.WithLabelValues(req.Dialect).Inc()
	}
	if result.Usage.PromptTokens > 0 {
		monitoring.TokensUsedTotal.WithLabelValues(req.Model, "prompt").Add(float64(result.Usage.PromptTokens))
	}
	if result.Usage.CompletionTokens > 0 {
		monitoring.TokensUsedTotal.WithLabelValues(req.Model, "completion").Add(float64(result.Usage.CompletionTokens))
	}

	go func() {
		logErr := o.Store.InsertRequestLog(context.Background(), sqlite.RequestLog{
			PrincipalID:      req.PrincipalID,
			KeyID:            keyID,
			Dialect:          req.Dialect,
			Model:            req.Model,
			StatusCode:       status,
			ErrorKind:        errorKind,
			Streamed:         req.Stream,
			Retried:          retried,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			DurationMS:       time.Since(start).Milliseconds(),
		})
		if logErr != nil {
			log.WithError(logErr).Warn("orchestrator: failed to append request log")
		}
	}()

	return result
}
