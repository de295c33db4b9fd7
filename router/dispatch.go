// Dispatcher: the single place outbound calls happen. Streams backend
// responses to the caller chunk by chunk (token streams must not be
// buffered), attaches correlation headers, and reports every completion
// to the stats collector. It never retries; retry is a decision of the
// strategy and queue layers above it.

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

// HeaderRequestID carries the request correlation id end to end.
const HeaderRequestID = "X-Request-Id"

// maxPrefillResponse bounds the buffered prefill leg; a one-token
// completion with transfer metadata stays well under this.
const maxPrefillResponse = 4 << 20

// Dispatcher performs the outbound call(s) for a routed request.
type Dispatcher struct {
	transport     http.RoundTripper
	timeout       time.Duration
	collector     *Collector
	sessionHeader string
}

// NewDispatcher builds a dispatcher over a shared transport. The backend
// timeout bounds time to response headers and the whole buffered prefill
// leg; streaming bodies are governed by the caller's context instead, so
// long generations are not cut off mid-stream.
func NewDispatcher(cfg RouterConfig, collector *Collector) *Dispatcher {
	return &Dispatcher{
		transport: &http.Transport{
			MaxIdleConnsPerHost:   32,
			ResponseHeaderTimeout: cfg.BackendTimeout.Std(),
		},
		timeout:       cfg.BackendTimeout.Std(),
		collector:     collector,
		sessionHeader: cfg.SessionHeader,
	}
}

// Dispatch issues the request to target and streams the response back.
// A returned error means nothing was written to w and the caller still
// owns the response; failures after the stream starts are logged and
// recorded but the truncated stream itself tells the client.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req *RoutingRequest, target Endpoint) error {
	start := time.Now()
	out, err := d.outbound(ctx, req, target.URL, req.Body)
	if err != nil {
		return &DispatchError{URL: target.URL, Err: err}
	}
	resp, err := d.transport.RoundTrip(out)
	if err != nil {
		d.collector.RecordCompletion(target.URL, time.Since(start), false)
		return &DispatchError{URL: target.URL, Err: err}
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderRequestID, req.ID)
	w.WriteHeader(resp.StatusCode)
	streamErr := streamBody(w, resp.Body)

	ok := streamErr == nil && resp.StatusCode < http.StatusInternalServerError
	d.collector.RecordCompletion(target.URL, time.Since(start), ok)
	if streamErr != nil {
		logrus.Debugf("request %s: stream from %s ended early: %v", req.ID, target.URL, streamErr)
	}
	return nil
}

// DispatchDisaggregated runs the two-phase flow: a short buffered prefill
// call that yields transfer metadata, then the decode call whose stream
// goes to the caller. A failed prefill is fatal with no decode attempted;
// a failed decode after a successful prefill is reported as its own phase
// so callers can tell "never started" from "state lost mid-flight".
func (d *Dispatcher) DispatchDisaggregated(ctx context.Context, w http.ResponseWriter, req *RoutingRequest, decision RoutingDecision) error {
	transfer, err := d.runPrefill(ctx, req, decision.Prefill)
	if err != nil {
		return err
	}

	body, err := decodeLegBody(req.Body, transfer)
	if err != nil {
		return &OrchestrationError{Phase: PhaseDecode, URL: decision.Decode.URL, Err: err}
	}

	start := time.Now()
	out, err := d.outbound(ctx, req, decision.Decode.URL, body)
	if err != nil {
		return &OrchestrationError{Phase: PhaseDecode, URL: decision.Decode.URL, Err: err}
	}
	resp, err := d.transport.RoundTrip(out)
	if err != nil {
		d.collector.RecordCompletion(decision.Decode.URL, time.Since(start), false)
		return &OrchestrationError{Phase: PhaseDecode, URL: decision.Decode.URL, Err: err}
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderRequestID, req.ID)
	w.WriteHeader(resp.StatusCode)
	streamErr := streamBody(w, resp.Body)

	ok := streamErr == nil && resp.StatusCode < http.StatusInternalServerError
	d.collector.RecordCompletion(decision.Decode.URL, time.Since(start), ok)
	if streamErr != nil {
		logrus.Debugf("request %s: decode stream from %s ended early: %v", req.ID, decision.Decode.URL, streamErr)
	}
	return nil
}

// runPrefill issues the prefill leg and extracts the transfer metadata
// from its response. The whole leg is buffered and bounded by the backend
// timeout; prefill responses are one token plus metadata.
func (d *Dispatcher) runPrefill(ctx context.Context, req *RoutingRequest, prefill Endpoint) (json.RawMessage, error) {
	body, err := prefillLegBody(req.Body)
	if err != nil {
		return nil, &OrchestrationError{Phase: PhasePrefill, URL: prefill.URL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.outbound(ctx, req, prefill.URL, body)
	if err != nil {
		return nil, &OrchestrationError{Phase: PhasePrefill, URL: prefill.URL, Err: err}
	}

	start := time.Now()
	resp, err := d.transport.RoundTrip(out)
	if err != nil {
		d.collector.RecordCompletion(prefill.URL, time.Since(start), false)
		return nil, &OrchestrationError{Phase: PhasePrefill, URL: prefill.URL, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPrefillResponse))
	if err != nil {
		d.collector.RecordCompletion(prefill.URL, time.Since(start), false)
		return nil, &OrchestrationError{Phase: PhasePrefill, URL: prefill.URL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		d.collector.RecordCompletion(prefill.URL, time.Since(start), false)
		return nil, &OrchestrationError{
			Phase: PhasePrefill,
			URL:   prefill.URL,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, firstLine(data)),
		}
	}
	d.collector.RecordCompletion(prefill.URL, time.Since(start), true)

	var pr struct {
		KVTransferParams json.RawMessage `json:"kv_transfer_params"`
	}
	if err := sonic.Unmarshal(data, &pr); err != nil {
		return nil, &OrchestrationError{Phase: PhasePrefill, URL: prefill.URL, Err: fmt.Errorf("unparseable prefill response: %w", err)}
	}
	return pr.KVTransferParams, nil
}

// outbound builds the backend request with caller headers and correlation
// metadata attached.
func (d *Dispatcher) outbound(ctx context.Context, req *RoutingRequest, baseURL string, body []byte) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+req.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeader(out.Header, req.Header)
	stripHopHeaders(out.Header)
	out.Header.Set("Content-Type", "application/json")
	out.ContentLength = int64(len(body))
	out.Header.Set(HeaderRequestID, req.ID)
	if req.SessionKey != "" && d.sessionHeader != "" {
		out.Header.Set(d.sessionHeader, req.SessionKey)
	}
	return out, nil
}

// prefillLegBody rewrites the body for the prefill call: generation
// capped at one token, streaming off, and the remote-decode marker set so
// the engine returns kv_transfer_params.
func prefillLegBody(original []byte) ([]byte, error) {
	var body map[string]any
	if err := sonic.Unmarshal(original, &body); err != nil {
		return nil, err
	}
	body["max_tokens"] = 1
	if _, ok := body["max_completion_tokens"]; ok {
		body["max_completion_tokens"] = 1
	}
	body["stream"] = false
	delete(body, "stream_options")
	body["kv_transfer_params"] = map[string]any{
		"do_remote_decode":  true,
		"do_remote_prefill": false,
	}
	return sonic.Marshal(body)
}

// decodeLegBody carries the prefill's transfer metadata alongside the
// original generation parameters.
func decodeLegBody(original []byte, transfer json.RawMessage) ([]byte, error) {
	var body map[string]any
	if err := sonic.Unmarshal(original, &body); err != nil {
		return nil, err
	}
	if len(transfer) > 0 {
		var params any
		if err := sonic.Unmarshal(transfer, &params); err != nil {
			return nil, fmt.Errorf("unparseable transfer metadata: %w", err)
		}
		body["kv_transfer_params"] = params
	}
	return sonic.Marshal(body)
}

// streamBody copies the backend body to the caller, flushing after every
// chunk so token streams arrive as they are produced.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func firstLine(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	if len(data) > 256 {
		data = data[:256]
	}
	return string(data)
}
