package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierSend(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Severity: SeverityCritical,
		TenantID: "t1",
		Kind:     KindUnhealthy,
		Message:  "restart budget exhausted",
	})
	require.NoError(t, err)

	assert.Equal(t, "critical", got.Severity)
	assert.Equal(t, "t1", got.TenantID)
	assert.Contains(t, got.Text, "restart budget exhausted")
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Severity: SeverityWarning, TenantID: "t1"})
	assert.ErrorContains(t, err, "429")
}

func TestWebhookNotifierUnconfigured(t *testing.T) {
	n := NewWebhookNotifier("")
	err := n.Send(context.Background(), Alert{Severity: SeverityWarning, TenantID: "t1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
