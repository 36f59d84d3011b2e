package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rpkiwire/rpki-rp/internal/metrics"
	"github.com/rpkiwire/rpki-rp/internal/payload"
)

func newTestServer(t *testing.T) (*Server, *payload.History) {
	t.Helper()
	h := payload.NewHistory(1, time.Minute)
	buf := []payload.PointBuffer{{
		Origins: []payload.VRP{{ASN: 64500, Prefix: netip.MustParsePrefix("198.51.100.0/24"), MaxLength: 24}},
	}}
	_, _ = h.Update(time.Now(), buf, nil, payload.UnsafeAccept, nil)

	s := New(zerolog.Nop(), "127.0.0.1:0", h, metrics.New())
	return s, h
}

func TestHandleStatusReportsCurrentSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		VRPs   int `json:"vrps"`
		Serial int `json:"serial"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.VRPs)
	require.Equal(t, 1, body.Serial)
}

func TestHandleVRPsDumpsOrigins(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/vrps.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		ROAs []struct {
			ASN    string `json:"asn"`
			Prefix string `json:"prefix"`
		} `json:"roas"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.ROAs, 1)
	require.Equal(t, "AS64500", body.ROAs[0].ASN)
}

func TestHandleMetricsServesPrometheusText(t *testing.T) {
	s, _ := newTestServer(t)
	s.metrics.TAValidationRun("ripe", time.Second, true)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	_, err = io.Copy(&body, resp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "rpki_rp_ta_runs_total")
}

func TestWebsocketBroadcastsNotifiedEvents(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	done := make(chan struct{})
	go s.connWriter(done)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the handler a moment to register the connection before we
	// broadcast, since registration happens on a separate goroutine.
	time.Sleep(20 * time.Millisecond)
	s.Notify(Event{Type: "validation-run", TA: "ripe", Time: time.Now()})

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "validation-run", ev.Type)
	require.Equal(t, "ripe", ev.TA)

	close(s.broadcast)
	<-done
}
