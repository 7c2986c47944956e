package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ffb-core/matchmaker/auth"
	"ffb-core/matchmaker/rooms"
	"ffb-core/utils"
)

func newTestServer(t *testing.T, cars int) (*Server, *rooms.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := rooms.NewRegistry(cars)
	return NewServer(ctx, reg, auth.NewSigner("test-secret", time.Minute), utils.Discard()), reg
}

func doJSON(t *testing.T, s *Server, method, path string, body any, header map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func claim(t *testing.T, s *Server, user string) claimResponse {
	t.Helper()
	code, body := doJSON(t, s, http.MethodPost, "/claim", claimRequest{UserID: user}, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var out claimResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestHealthAndRooms(t *testing.T) {
	s, _ := newTestServer(t, 3)
	claim(t, s, "alice")

	code, body := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","cars":3,"free":2}`, string(body))

	code, body = doJSON(t, s, http.MethodGet, "/rooms", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var cars []rooms.Car
	require.NoError(t, json.Unmarshal(body, &cars))
	require.Len(t, cars, 3)
	assert.Equal(t, "car-1", cars[0].ID)
	assert.Equal(t, rooms.CarReserved, cars[0].State)
	assert.Equal(t, rooms.CarFree, cars[2].State)
}

func TestClaimReturnsVerifiableToken(t *testing.T) {
	s, _ := newTestServer(t, 2)
	out := claim(t, s, "alice")

	assert.Equal(t, "car-1", out.Car.ID)
	assert.Equal(t, "alice", out.Car.AssignedTo)
	assert.Equal(t, int64(60), out.ExpiresIn)

	claims, err := s.signer.Verify(out.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "car-1", claims.CarID)
}

func TestClaimErrors(t *testing.T) {
	s, _ := newTestServer(t, 1)

	code, _ := doJSON(t, s, http.MethodPost, "/claim", claimRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	claim(t, s, "alice")
	code, body := doJSON(t, s, http.MethodPost, "/claim", claimRequest{UserID: "bob"}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "no free cars")
}

func TestRelease(t *testing.T) {
	s, reg := newTestServer(t, 2)
	out := claim(t, s, "alice")

	tests := []struct {
		name   string
		body   releaseRequest
		header map[string]string
		want   int
	}{
		{"missing fields", releaseRequest{UserID: "alice"}, nil, http.StatusBadRequest},
		{"unknown car", releaseRequest{UserID: "alice", CarID: "car-9"}, nil, http.StatusNotFound},
		{"not owner", releaseRequest{UserID: "bob", CarID: "car-1"}, nil, http.StatusForbidden},
		{"bad token", releaseRequest{UserID: "alice", CarID: "car-1"}, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"token for other car", releaseRequest{UserID: "alice", CarID: "car-2"}, map[string]string{"Authorization": "Bearer " + out.Token}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, s, http.MethodPost, "/release", tt.body, tt.header)
			assert.Equal(t, tt.want, code, string(body))
		})
	}

	code, body := doJSON(t, s, http.MethodPost, "/release",
		releaseRequest{UserID: "alice", CarID: "car-1"},
		map[string]string{"Authorization": "Bearer " + out.Token})
	require.Equal(t, http.StatusOK, code, string(body))

	car, err := reg.Get("car-1")
	require.NoError(t, err)
	assert.Equal(t, rooms.CarFree, car.State)
}

func TestBusyFree(t *testing.T) {
	s, _ := newTestServer(t, 2)
	claim(t, s, "alice")

	code, body := doJSON(t, s, http.MethodPost, "/cars/car-1/busy", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var car rooms.Car
	require.NoError(t, json.Unmarshal(body, &car))
	assert.Equal(t, rooms.CarBusy, car.State)

	code, body = doJSON(t, s, http.MethodPost, "/cars/car-1/free", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &car))
	assert.Equal(t, rooms.CarFree, car.State)

	code, _ = doJSON(t, s, http.MethodPost, "/cars/car-42/busy", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, 1)
	req := httptest.NewRequest(http.MethodOptions, "/claim", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsStreamSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // stream ends right after the snapshot
	reg := rooms.NewRegistry(2)
	s := NewServer(ctx, reg, auth.NewSigner("k", time.Minute), utils.Discard())

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/events", nil), 2000)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	line, ok := strings.CutPrefix(strings.TrimSpace(string(body)), "data: ")
	require.True(t, ok, string(body))

	var ev struct {
		Type string      `json:"type"`
		Data []rooms.Car `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, rooms.EventSnapshot, ev.Type)
	assert.Len(t, ev.Data, 2)
}

func TestStreamEventsUntilClosed(t *testing.T) {
	ch := make(chan rooms.Event, 4)
	ch <- rooms.Event{Type: rooms.EventSnapshot, Data: []*rooms.Car{}}
	ch <- rooms.Event{Type: rooms.EventUpdate, Data: &rooms.Car{ID: "car-1", State: rooms.CarBusy}}
	close(ch)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	streamEvents(context.Background(), w, ch)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `data: {"type":"snapshot","data":[]}`, lines[0])
	assert.Contains(t, lines[1], `"state":"BUSY"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(rooms.ErrCarNotFound))
	assert.Equal(t, http.StatusForbidden, statusFor(rooms.ErrNotOwner))
	assert.Equal(t, http.StatusConflict, statusFor(rooms.ErrNoFreeCars))
	assert.Equal(t, http.StatusUnauthorized, statusFor(auth.ErrInvalidToken))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}

func TestServeStopsWhenCanceledBeforeAccepting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewServer(ctx, rooms.NewRegistry(1), auth.NewSigner("k", time.Minute), utils.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeHandlesRequestsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer(ctx, rooms.NewRegistry(2), auth.NewSigner("k", time.Minute), utils.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
