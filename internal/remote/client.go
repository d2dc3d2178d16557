package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/cartcore/internal/domain"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// Client talks to the authority over JSON/HTTP. It implements
// engine.Authority and normalizes response shapes and failures onto the
// domain error kinds.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the authority at baseURL. token, when not
// empty, is sent as a bearer token. timeout bounds each request on top of
// the caller's context.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchStock reads an item's authoritative stock.
func (c *Client) FetchStock(ctx context.Context, itemID string) (domain.StockSnapshot, error) {
	var resp StockResponse
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(itemID)+"/stock", nil, &resp); err != nil {
		return domain.StockSnapshot{}, err
	}
	snap, err := resp.Snapshot()
	if err != nil {
		return domain.StockSnapshot{}, fmt.Errorf("%w: malformed stock response: %w", domain.ErrNetwork, err)
	}
	if snap.ItemID == "" {
		snap.ItemID = itemID
	}
	return snap, nil
}

// PostReservation asks the authority to apply one reservation.
func (c *Client) PostReservation(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error) {
	body := ReservationRequest{
		Seq:    req.Seq,
		ItemID: req.ItemID,
		Kind:   string(req.Kind),
		Delta:  req.Delta,
	}
	var resp ConfirmationResponse
	path := "/carts/" + url.PathEscape(req.UserKey) + "/reservations"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return domain.Confirmation{}, err
	}
	conf, err := resp.Confirmation()
	if err != nil {
		return domain.Confirmation{}, fmt.Errorf("%w: malformed confirmation: %w", domain.ErrNetwork, err)
	}
	// Older authorities omit the echo fields.
	if conf.Seq == 0 {
		conf.Seq = req.Seq
	}
	if conf.UserKey == "" {
		conf.UserKey = req.UserKey
	}
	if conf.ItemID == "" {
		conf.ItemID = req.ItemID
	}
	return conf, nil
}

// FetchCartSnapshot reads a user's authoritative cart.
func (c *Client) FetchCartSnapshot(ctx context.Context, userKey string) (domain.CartSnapshot, error) {
	var resp CartResponse
	if err := c.do(ctx, http.MethodGet, "/carts/"+url.PathEscape(userKey), nil, &resp); err != nil {
		return domain.CartSnapshot{}, err
	}
	snap, err := resp.Snapshot()
	if err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("%w: malformed cart response: %w", domain.ErrNetwork, err)
	}
	snap.UserKey = userKey
	return snap, nil
}

// PlaceOrder creates an order from the user's cart.
func (c *Client) PlaceOrder(ctx context.Context, userKey string) (domain.Order, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/carts/"+url.PathEscape(userKey)+"/orders", struct{}{}, &resp); err != nil {
		return domain.Order{}, err
	}
	order, err := resp.Order()
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: malformed order response: %w", domain.ErrNetwork, err)
	}
	return order, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", domain.ErrNetwork, err)
		}
		return nil
	}

	err = statusError(resp)
	c.logger.Debug("authority request failed",
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("error", err.Error()),
	)
	return err
}

// transportError classifies a failure to get any response.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
}

// statusError maps a non-2xx response onto a domain error.
func statusError(resp *http.Response) error {
	var body ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body.Message)
	case http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		if reason := Reason(body.Error); reason != nil {
			return fmt.Errorf("%w: %w", domain.ErrConflict, reason)
		}
		return fmt.Errorf("%w: %s", domain.ErrConflict, body.Message)
	case http.StatusBadRequest:
		return &domain.ValidationError{Message: body.Message}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrTimeout, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrNetwork, resp.StatusCode)
	}
}
