package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/diwise/radiation-monitor/internal/pkg/application"
	"github.com/diwise/radiation-monitor/internal/pkg/infrastructure/repositories/database"
)

func TestSetup(t *testing.T) {
	is, server := testSetup(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)

	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestThatConfiguredDevicesAreRegistered(t *testing.T) {
	is, server := testSetup(t)

	resp, body := testRequest(is, server, http.MethodGet, "/api/devices", nil)

	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "geigiecast:61785"))
}

func TestThatUnknownDeviceMeasurementsReturn404(t *testing.T) {
	is, server := testSetup(t)

	resp, _ := testRequest(is, server, http.MethodGet, "/api/measurements?device_urn=nosuchdevice", nil)

	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func testSetup(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)

	cfg, err := application.LoadConfiguration(strings.NewReader(testConfig))
	is.NoErr(err)

	db, err := database.Connect(database.NewSQLiteConnector(zerolog.Logger{}))
	is.NoErr(err)

	_, mux := initialize(context.Background(), zerolog.Logger{}, cfg, db)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return is, server
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)
	resp, _ := http.DefaultClient.Do(req)
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}

const testConfig string = `
devices:
  - geigiecast:61785
sync:
  intervalSeconds: 3600
`
