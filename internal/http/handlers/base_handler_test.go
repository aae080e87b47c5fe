// README: Tests for domain error to HTTP status mapping.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"entrega/internal/maps"
	"entrega/internal/modules/route"
	"entrega/internal/modules/tracking"
)

func mapError(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeDeliveryError(c, err)
	return w
}

func TestWriteDeliveryError_Statuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"route not found", route.ErrNotFound, http.StatusNotFound},
		{"no valid stops", route.ErrNoValidStops, http.StatusBadRequest},
		{"bad request", route.ErrBadRequest, http.StatusBadRequest},
		{"wrapped not found", errors.Join(errors.New("ctx"), route.ErrNotFound), http.StatusNotFound},
		{"provider failure", &maps.ProviderError{Status: "OVER_QUERY_LIMIT", Err: errors.New("quota")}, http.StatusBadGateway},
		{"no route", maps.ErrNoRoute, http.StatusBadRequest},
		{"wrapped no route", fmt.Errorf("optimize courier 1 trip: %w", maps.ErrNoRoute), http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := mapError(tc.err); w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestWriteDeliveryError_OwnershipClashIsNotAnError(t *testing.T) {
	w := mapError(&tracking.AlreadyTrackedError{OwnerID: "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ownership clash, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"success":false`) {
		t.Errorf("expected success=false, got %s", body)
	}
	if !strings.Contains(body, "u1") {
		t.Errorf("expected owner id in body, got %s", body)
	}
}
