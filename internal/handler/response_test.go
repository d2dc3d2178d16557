package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/efreitasn/cartcore/internal/domain"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusConflict, "insufficient_stock", "Not enough stock")

	if w.Code != http.StatusConflict {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Error != "insufficient_stock" || resp.Message != "Not enough stock" {
		t.Errorf("body = %+v", resp)
	}
}

func TestParseJSON(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		wantErr     bool
	}{
		{"valid", "application/json", `{"item_id":"r-1","amount":2}`, false},
		{"charset", "application/json; charset=utf-8", `{"item_id":"r-1","amount":2}`, false},
		{"missing content type", "", `{"item_id":"r-1","amount":2}`, true},
		{"text body", "text/plain", `{"item_id":"r-1","amount":2}`, true},
		{"malformed", "application/json", `{"item_id":`, true},
		{"unknown field", "application/json", `{"item_id":"r-1","qty":2}`, true},
		{"empty", "application/json", ``, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/carts/u1/reservations", strings.NewReader(tc.body))
			if tc.contentType != "" {
				r.Header.Set("Content-Type", tc.contentType)
			}

			var req reservationRequest
			err := ParseJSON(r, &req)
			if tc.wantErr {
				if !errors.Is(err, errBadBody) {
					t.Fatalf("err = %v, want errBadBody", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.ItemID != "r-1" || req.Amount != 2 {
				t.Errorf("decoded = %+v", req)
			}
		})
	}
}

func TestWriteDomainError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &domain.ValidationError{Message: "amount must be a positive integer"}, http.StatusBadRequest, "validation_error"},
		{"local stock check", domain.ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
		{"release beyond cart", domain.ErrInsufficientAmount, http.StatusConflict, "insufficient_cart_amount"},
		{"rejected with reason", fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrCartDisabled), http.StatusConflict, "cart_disabled"},
		{"rejected without reason", fmt.Errorf("%w: version moved", domain.ErrConflict), http.StatusConflict, "conflict"},
		{"unknown item", fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrItemNotFound), http.StatusNotFound, "item_not_found"},
		{"empty cart", domain.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
		{"session ended", domain.ErrSessionEnded, http.StatusConflict, "session_ended"},
		{"timeout", fmt.Errorf("%w: %w", domain.ErrTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"authority 400", fmt.Errorf("%w: %w", domain.ErrNetwork, &domain.ValidationError{Message: "seq must be positive"}), http.StatusBadRequest, "validation_error"},
		{"unreachable", fmt.Errorf("%w: dial tcp", domain.ErrNetwork), http.StatusBadGateway, "network_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			if !WriteDomainError(w, tc.err) {
				t.Fatal("WriteDomainError returned false")
			}
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if resp.Error != tc.code {
				t.Errorf("code = %q, want %q", resp.Error, tc.code)
			}
		})
	}
}

func TestWriteDomainError_OtherErrors(t *testing.T) {
	w := httptest.NewRecorder()
	if WriteDomainError(w, context.Canceled) {
		t.Fatal("context.Canceled is not a domain error")
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want nothing written", w.Body.String())
	}
}
