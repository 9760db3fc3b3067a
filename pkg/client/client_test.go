package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestGetDevices(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/devices")
		w.Header().Add("Content-Type", "application/json")
		w.Write([]byte(rosterJSON))
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	roster, err := c.GetDevices(context.Background())
	is.NoErr(err)
	is.Equal(len(roster), 2)

	is.Equal(roster[0].DeviceURN, "geigiecast:61785")
	is.Equal(roster[0].DeviceID, 61785)
	is.Equal(*roster[0].Latitude, 35.6595)
	is.Equal(roster[0].LocName, "Shibuya")

	is.True(roster[1].Latitude == nil)
}

func TestGetMeasurements(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/devices/geigiecast:61785/measurements")
		is.Equal(r.URL.Query().Get("days"), "2")
		w.Header().Add("Content-Type", "application/json")
		w.Write([]byte(measurementsJSON))
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	records, err := c.GetMeasurements(context.Background(), "geigiecast:61785", 2)
	is.NoErr(err)
	is.Equal(len(records), 2)

	capturedAt, err := records[0].CapturedAt()
	is.NoErr(err)
	is.Equal(capturedAt.UTC(), time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	is.Equal(*records[0].LND7318U, 37.0)
}

func TestServerErrorIsTransient(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	_, err := c.GetMeasurements(context.Background(), "geigiecast:61785", 1)
	is.True(IsTransient(err))
	is.True(!IsPermanent(err))
}

func TestClientErrorIsPermanent(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	_, err := c.GetMeasurements(context.Background(), "geigiecast:404", 1)
	is.True(IsPermanent(err))
	is.True(!IsTransient(err))
}

func TestMalformedResponseBodyIsPermanent(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.Write([]byte(`[{"device_urn":"geigiecast:61785","when_cap`))
	}))
	defer server.Close()

	c := New(server.URL, 5*time.Second)

	_, err := c.GetMeasurements(context.Background(), "geigiecast:61785", 1)
	is.True(IsPermanent(err))
	is.True(!IsTransient(err))
}

func TestUnreachableUpstreamIsTransient(t *testing.T) {
	is := is.New(t)

	c := New("http://127.0.0.1:1", 1*time.Second)

	_, err := c.GetDevices(context.Background())
	is.True(IsTransient(err))
}

const rosterJSON string = `[
	{"device_urn":"geigiecast:61785","device":61785,"device_class":"geigiecast","loc_lat":35.6595,"loc_lon":139.7005,"loc_name":"Shibuya","when_captured":"2026-08-28T10:00:00Z"},
	{"device_urn":"pointcast:10032","device":10032,"device_class":"pointcast"}
]`

const measurementsJSON string = `[
	{"device_urn":"geigiecast:61785","when_captured":"2026-08-28T10:00:00Z","lnd_7318u":37.0},
	{"device_urn":"geigiecast:61785","when_captured":"2026-08-28T10:05:00Z","lnd_7318u":39.0,"lnd_7128ec":12.0}
]`
