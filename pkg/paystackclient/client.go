/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * It encapsulates the logic for making authenticated HTTP requests to Paystack's
 * transfer, recipient and transaction endpoints, handling request body
 * construction, and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateRecipientRequest is the payload for registering a transfer recipient.
type CreateRecipientRequest struct {
	Type          string                 `json:"type"`
	Name          string                 `json:"name"`
	AccountNumber string                 `json:"account_number"`
	BankCode      string                 `json:"bank_code"`
	Currency      string                 `json:"currency"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// RecipientResponse is the expected response from the transferrecipient endpoint.
type RecipientResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		RecipientCode string `json:"recipient_code"`
		Active        bool   `json:"active"`
		Details       struct {
			AccountNumber string `json:"account_number"`
			AccountName   string `json:"account_name"`
			BankCode      string `json:"bank_code"`
			BankName      string `json:"bank_name"`
		} `json:"details"`
	} `json:"data"`
}

// InitiateTransferRequest is the payload for initiating an outbound transfer.
type InitiateTransferRequest struct {
	Source    string                 `json:"source"`
	Reason    string                 `json:"reason"`
	Amount    int64                  `json:"amount"` // in kobo
	Recipient string                 `json:"recipient"`
	Reference string                 `json:"reference"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TransferResponse is the expected response from the transfer endpoints.
type TransferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		TransferCode  string `json:"transfer_code"`
		Reference     string `json:"reference"`
		Status        string `json:"status"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Reason        string `json:"reason"`
		FailureReason string `json:"failure_reason,omitempty"`
		Recipient     struct {
			RecipientCode string `json:"recipient_code"`
		} `json:"recipient"`
		CreatedAt string `json:"createdAt"`
		UpdatedAt string `json:"updatedAt"`
	} `json:"data"`
}

// VerifyTransactionResponse is the expected response from the transaction
// verify endpoint, used for inbound customer charges.
type VerifyTransactionResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		GatewayResponse string `json:"gateway_response"`
		PaidAt          string `json:"paid_at"`
		Channel         string `json:"channel"`
		Fees            int64  `json:"fees"`
		Customer        struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata map[string]interface{} `json:"metadata"`
	} `json:"data"`
}

// ErrorResponse represents a rejection from the Paystack API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Status     bool   `json:"status"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paystack api error: %s", e.Message)
	}
	return "unknown paystack api error"
}

// CreateRecipient registers a claimant bank account as a transfer recipient.
func (c *Client) CreateRecipient(ctx context.Context, req CreateRecipientRequest) (*RecipientResponse, error) {
	if req.Type == "" {
		req.Type = "nuban"
	}
	if req.Currency == "" {
		req.Currency = "NGN"
	}

	var resp RecipientResponse
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InitiateTransfer asks Paystack to start an outbound transfer.
func (c *Client) InitiateTransfer(ctx context.Context, req InitiateTransferRequest) (*TransferResponse, error) {
	if req.Source == "" {
		req.Source = "balance"
	}

	var resp TransferResponse
	if err := c.do(ctx, http.MethodPost, "/transfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchTransfer returns the current state of a transfer by its transfer code.
func (c *Client) FetchTransfer(ctx context.Context, transferCode string) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.do(ctx, http.MethodGet, "/transfer/"+transferCode, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyTransaction confirms the outcome of an inbound charge by reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyTransactionResponse, error) {
	var resp VerifyTransactionResponse
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes one authenticated request against the Paystack API and decodes
// the response into out. Non-2xx responses are returned as *ErrorResponse.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=paystack_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=paystack_client op=%s status=%d message=%q", path, resp.StatusCode, errResp.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode success response: %w", err)
	}

	return nil
}
