package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotline-io/openlot/fault"
)

// HTTPProcessor talks to the processor's REST API. The embedded http.Client
// timeout bounds every call independent of the caller's context.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Processor = (*HTTPProcessor)(nil)

func NewHTTPProcessor(baseURL, apiKey string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type holdPayload struct {
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret,omitempty"`
	AmountCAD    string `json:"amount_cad"`
	Status       string `json:"status"`
}

func (h holdPayload) toHold() (Hold, error) {
	amount, err := decimal.NewFromString(h.AmountCAD)
	if err != nil {
		return Hold{}, fmt.Errorf("parsing hold amount %q: %w", h.AmountCAD, err)
	}
	return Hold{
		Reference:    h.Reference,
		ClientSecret: h.ClientSecret,
		AmountCAD:    amount,
		Status:       HoldStatus(h.Status),
	}, nil
}

func (p *HTTPProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error) {
	body := map[string]string{
		"user_id":         req.UserID.String(),
		"auction_id":      req.AuctionID.String(),
		"amount_cad":      req.AmountCAD.String(),
		"capture_method":  "manual",
		"idempotency_key": req.IdempotencyKey,
	}
	var payload holdPayload
	if err := p.call(ctx, http.MethodPost, "/v1/holds", body, &payload); err != nil {
		return Hold{}, err
	}
	return payload.toHold()
}

func (p *HTTPProcessor) Capture(ctx context.Context, reference string) error {
	return p.call(ctx, http.MethodPost, "/v1/holds/"+reference+"/capture", nil, nil)
}

func (p *HTTPProcessor) Cancel(ctx context.Context, reference string) error {
	return p.call(ctx, http.MethodPost, "/v1/holds/"+reference+"/cancel", nil, nil)
}

func (p *HTTPProcessor) Lookup(ctx context.Context, reference string) (Hold, error) {
	var payload holdPayload
	if err := p.call(ctx, http.MethodGet, "/v1/holds/"+reference, nil, &payload); err != nil {
		return Hold{}, err
	}
	return payload.toHold()
}

func (p *HTTPProcessor) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fault.ExternalProcessor(err, "processor_unreachable", "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// A missing hold is a terminal answer, not a processor outage;
		// callers releasing an already-released hold treat it as done.
		return fault.NotFound("hold_missing", "%s %s: no such hold", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.ExternalProcessor(nil, "processor_error",
			"%s %s returned %d: %s", method, path, resp.StatusCode, string(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.ExternalProcessor(err, "processor_bad_response", "%s %s returned unparseable body", method, path)
	}
	return nil
}
