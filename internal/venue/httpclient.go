package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"OmniVault/internal/protocol"
)

// HTTPClient talks to the venue's REST gateway. Amounts cross the wire as
// decimal strings; the venue assigns request keys and reports execution
// through the callback stream, not through these responses.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "venue_client").Logger(),
	}
}

type wireDeposit struct {
	Market        string   `json:"market"`
	Tokens        []string `json:"tokens"`
	Amounts       []string `json:"amounts"`
	MinReceiptOut string   `json:"min_receipt_out,omitempty"`
	ExecutionFee  string   `json:"execution_fee"`
}

type wireWithdrawal struct {
	Market        string `json:"market"`
	ReceiptAmount string `json:"receipt_amount"`
	MinOut        string `json:"min_out,omitempty"`
	Receiver      string `json:"receiver,omitempty"`
	Routing       []byte `json:"routing,omitempty"`
	ExecutionFee  string `json:"execution_fee"`
}

type wireOrder struct {
	Receiver               string   `json:"receiver,omitempty"`
	Market                 string   `json:"market"`
	InitialCollateralToken string   `json:"initial_collateral_token,omitempty"`
	SwapPath               []string `json:"swap_path,omitempty"`
	SizeDeltaUSD           string   `json:"size_delta_usd,omitempty"`
	CollateralDeltaAmount  string   `json:"collateral_delta_amount,omitempty"`
	TriggerPrice           string   `json:"trigger_price,omitempty"`
	AcceptablePrice        string   `json:"acceptable_price,omitempty"`
	ExecutionFee           string   `json:"execution_fee"`
	CallbackGasLimit       int64    `json:"callback_gas_limit,omitempty"`
	MinOutputAmount        string   `json:"min_output_amount,omitempty"`
	Kind                   string   `json:"kind"`
	IsLong                 bool     `json:"is_long"`
	ShouldUnwrapNative     bool     `json:"should_unwrap_native"`
	ReferralCode           string   `json:"referral_code,omitempty"`
}

type keyResponse struct {
	Key string `json:"key"`
}

type wireReward struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type claimResponse struct {
	Rewards []wireReward `json:"rewards"`
}

func (c *HTTPClient) CreateDeposit(ctx context.Context, req DepositRequest) (protocol.RequestKey, error) {
	body := wireDeposit{
		Market:       req.Market,
		Tokens:       req.Tokens,
		Amounts:      bigStrings(req.Amounts),
		ExecutionFee: bigString(req.ExecutionFee),
	}
	if req.MinReceiptOut != nil {
		body.MinReceiptOut = req.MinReceiptOut.String()
	}

	var resp keyResponse
	if err := c.post(ctx, "/api/v1/deposits", body, &resp); err != nil {
		return "", err
	}
	return protocol.RequestKey(resp.Key), nil
}

func (c *HTTPClient) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (protocol.RequestKey, error) {
	body := wireWithdrawal{
		Market:        req.Market,
		ReceiptAmount: bigString(req.ReceiptAmount),
		Receiver:      req.Receiver,
		Routing:       req.Routing,
		ExecutionFee:  bigString(req.ExecutionFee),
	}
	if req.MinOut != nil {
		body.MinOut = req.MinOut.String()
	}

	var resp keyResponse
	if err := c.post(ctx, "/api/v1/withdrawals", body, &resp); err != nil {
		return "", err
	}
	return protocol.RequestKey(resp.Key), nil
}

func (c *HTTPClient) CreateOrder(ctx context.Context, params protocol.OrderParams) (protocol.RequestKey, error) {
	body := wireOrder{
		Receiver:               params.Receiver,
		Market:                 params.Market,
		InitialCollateralToken: params.InitialCollateralToken,
		SwapPath:               params.SwapPath,
		SizeDeltaUSD:           bigString(params.SizeDeltaUSD),
		CollateralDeltaAmount:  bigString(params.InitialCollateralDeltaAmount),
		TriggerPrice:           bigString(params.TriggerPrice),
		AcceptablePrice:        bigString(params.AcceptablePrice),
		ExecutionFee:           bigString(params.ExecutionFee),
		CallbackGasLimit:       params.CallbackGasLimit,
		MinOutputAmount:        bigString(params.MinOutputAmount),
		Kind:                   params.Kind.String(),
		IsLong:                 params.IsLong,
		ShouldUnwrapNative:     params.ShouldUnwrapNative,
		ReferralCode:           params.ReferralCode,
	}

	var resp keyResponse
	if err := c.post(ctx, "/api/v1/orders", body, &resp); err != nil {
		return "", err
	}
	return protocol.RequestKey(resp.Key), nil
}

func (c *HTTPClient) CancelRequest(ctx context.Context, category protocol.Category, key protocol.RequestKey) error {
	path := fmt.Sprintf("/api/v1/requests/%s/%s", categoryPath(category), key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *HTTPClient) ClaimRewards(ctx context.Context, market string) ([]Reward, error) {
	var resp claimResponse
	err := c.post(ctx, "/api/v1/rewards/claim", map[string]string{"market": market}, &resp)
	if err != nil {
		return nil, err
	}

	rewards := make([]Reward, 0, len(resp.Rewards))
	for _, r := range resp.Rewards {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("venue returned malformed reward amount %q: %w", r.Amount, protocol.ErrInvalidAmount)
		}
		rewards = append(rewards, Reward{Token: r.Token, Amount: amount})
	}
	return rewards, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("venue request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", req.URL.Path).
			Str("body", string(snippet)).
			Msg("Venue rejected request")
		return fmt.Errorf("venue returned %d for %s %s", resp.StatusCode, req.Method, req.URL.Path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("venue response decode: %w", err)
	}
	return nil
}

func categoryPath(c protocol.Category) string {
	switch c {
	case protocol.CategoryDeposit:
		return "deposits"
	case protocol.CategoryWithdrawal:
		return "withdrawals"
	default:
		return "orders"
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func bigStrings(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = bigString(v)
	}
	return out
}
