package processor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/platewise/pos/internal/domain/payment"
)

var _ payment.Provider = (*Client)(nil)

// Client creates payment intents against the processor's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client for the given API base URL and secret key.
// httpClient may be nil to use http.DefaultClient.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// intentResponse is the success body of the intent endpoint.
type intentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

// errorResponse is the error envelope the processor returns on rejection.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent creates a payment intent. The amount is converted to minor
// units; the order id rides along as metadata so the webhook path can
// resolve the order later.
func (c *Client) CreateIntent(ctx context.Context, p payment.CreateIntentParams) (*payment.Intent, error) {
	form := url.Values{}
	form.Set("amount", p.Amount.Mul(decimal.NewFromInt(100)).Round(0).String())
	form.Set("currency", p.Currency)
	form.Set("metadata[order_id]", p.OrderID)

	if p.CardPresent {
		form.Set("payment_method_types[]", "card_present")
		form.Set("capture_method", "automatic")
	} else {
		form.Set("payment_method_types[]", "card")
	}
	if p.Confirm {
		form.Set("confirm", "true")
		form.Set("payment_method", p.PaymentMethodRef)
	}
	if p.DestinationAccount != "" {
		form.Set("transfer_data[destination]", p.DestinationAccount)
		form.Set("application_fee_amount", p.PlatformFee.Mul(decimal.NewFromInt(100)).Round(0).String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build intent request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "create intent")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read intent response")
	}

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.Unmarshal(body, &er); err != nil || er.Error.Message == "" {
			return nil, errors.Errorf("processor returned status %d", resp.StatusCode)
		}
		return nil, &payment.ProviderError{Code: er.Error.Code, Message: er.Error.Message}
	}

	var ir intentResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, errors.Wrap(err, "decode intent response")
	}
	return &payment.Intent{
		ID:           ir.ID,
		Status:       payment.IntentStatus(ir.Status),
		ClientSecret: ir.ClientSecret,
	}, nil
}
