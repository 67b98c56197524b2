package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursepay/internal/providers/midtrans"
	"coursepay/internal/providers/paystack"
)

func TestNewGateway(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := newGateway(Config{Provider: "paystack", Paystack: paystack.Config{SecretKey: "sk"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &paystack.Adapter{}, gw)

	gw, err = newGateway(Config{Provider: "Midtrans", Midtrans: midtrans.Config{ServerKey: "SB-Mid-server"}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &midtrans.Adapter{}, gw)

	_, err = newGateway(Config{Provider: "paystack"}, logger)
	assert.Error(t, err)

	_, err = newGateway(Config{Provider: "stripe"}, logger)
	assert.Error(t, err)
}

func TestOpenMemoryStores(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := openStores(context.Background(), Config{StoreDriver: "memory"}, logger)
	require.NoError(t, err)
	defer st.close()
	assert.NoError(t, st.health(context.Background()))

	_, err = openStores(context.Background(), Config{StoreDriver: "sqlite"}, logger)
	assert.Error(t, err)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	healthy := true
	r := newRouter(Config{AllowedOrigins: []string{"*"}}, logger, map[string]func(context.Context) error{
		"store": func(context.Context) error { return nil },
		"events": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("disconnected")
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","components":{"store":"up","events":"up"}}`, rec.Body.String())

	healthy = false
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","components":{"store":"up","events":"down"}}`, rec.Body.String())
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("nonsense", "json").Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, newLogger("WARN", "json").Enabled(context.Background(), slog.LevelWarn))
}
