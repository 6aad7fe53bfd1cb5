package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openpension/batch-dispatch/internal/metrics"
	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/google/uuid"
)

type Config struct {
	// BaseURL of the transfer rail connector, e.g. http://connector:4001.
	BaseURL string
	// PayerIDType is the addressing scheme of the disbursing account
	// (MSISDN, IBAN, ...). The payer id value comes from the instruction.
	PayerIDType string
	// Timeout per rail request. A timeout is classified as Unavailable.
	Timeout time.Duration
}

// Outcome is the classified result of one submission attempt.
type Outcome struct {
	Class      Class
	GatewayRef string
	Code       string
	Message    string
}

// Client wraps the external transfer rail. Every Submit is a real external
// side effect with financial consequence, made retry-safe by the idempotency
// key carried as homeTransactionId.
type Client struct {
	config *Config
	http   *http.Client
	log    *slog.Logger
}

func New(config *Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		log:    slog.With("component", "gateway"),
	}
}

type party struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type transferRequest struct {
	From              party  `json:"from"`
	To                party  `json:"to"`
	AmountType        string `json:"amountType"`
	Currency          string `json:"currency"`
	Amount            string `json:"amount"`
	TransactionType   string `json:"transactionType"`
	Note              string `json:"note,omitempty"`
	HomeTransactionID string `json:"homeTransactionId"`
}

type transferResponse struct {
	TransferID   string `json:"transferId"`
	CurrentState string `json:"currentState"`
	StatusCode   string `json:"statusCode"`
	Message      string `json:"message"`
}

// IdempotencyKey derives the rail-side duplicate-collapse key for one
// instruction: a name-based UUID over batch ID + instruction ID, identical
// across retries and across scheduler restarts.
func IdempotencyKey(batchID, instrID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(batchID+"/"+instrID))
}

// Submit sends one instruction to the rail and classifies the response.
// Transport errors never escape as Go errors; they come back as an
// Unavailable outcome so the caller's retry policy stays in one place.
func (c *Client) Submit(ctx context.Context, batchID string,
	instr types.PaymentInstruction) Outcome {

	key := IdempotencyKey(batchID, instr.ID)

	payload := transferRequest{
		From:              party{IDType: c.config.PayerIDType, IDValue: instr.PayerRef},
		To:                party{IDType: instr.PayeeIDType, IDValue: instr.PayeeIDValue},
		AmountType:        "SEND",
		Currency:          instr.Currency,
		Amount:            instr.Amount.String(),
		TransactionType:   "TRANSFER",
		Note:              instr.Note,
		HomeTransactionID: key.String(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Class: ClassUnavailable, Message: err.Error()}
	}

	url := c.config.BaseURL + "/transfers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassUnavailable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	metrics.RailRequestDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		c.log.Warn("rail request failed", "instruction", instr.ID, "error", err)
		return Outcome{Class: ClassUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	return c.decode(resp, instr.ID)
}

// Lookup asks the rail what happened to a previously submitted idempotency
// key. Used to reconcile instructions found stuck in processing after a
// crash, instead of blindly resubmitting.
func (c *Client) Lookup(ctx context.Context, key uuid.UUID) (Outcome, error) {
	url := fmt.Sprintf("%s/transfers/%s", c.config.BaseURL, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The rail never saw this key: the crash happened before the
		// request left the process.
		return Outcome{Class: ClassUnavailable, Message: "transfer unknown to rail"}, nil
	}

	return c.decode(resp, key.String()), nil
}

func (c *Client) decode(resp *http.Response, ref string) Outcome {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Class: ClassUnavailable, Message: err.Error()}
	}

	var decoded transferResponse
	if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
		// A 2xx we cannot parse is ambiguous; retry with the same key.
		c.log.Error("undecodable rail response", "ref", ref, "body", string(raw))
		return Outcome{Class: ClassUnavailable, Message: "undecodable rail response"}
	}

	class := classify(resp.StatusCode, decoded.StatusCode)

	switch class {
	case ClassAccepted:
		return Outcome{Class: ClassAccepted, GatewayRef: decoded.TransferID}
	case ClassRejected:
		code := decoded.StatusCode
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return Outcome{Class: ClassRejected, Code: code, Message: decoded.Message}
	default:
		return Outcome{Class: ClassUnavailable, Code: decoded.StatusCode,
			Message: decoded.Message}
	}
}
