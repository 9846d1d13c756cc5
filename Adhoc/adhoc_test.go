package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat(t *testing.T) {
	got := make(chan RegisterRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case got <- req:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: true})
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	hb := NewHeartbeat(host, port, "10.0.0.5", 8080, func() (string, uint64) { return "can", 42 })
	hb.Interval = 10 * time.Millisecond
	assert.True(t, hb.Send(context.Background()))

	req := <-got
	assert.Equal(t, hb.ID(), req.Id)
	assert.Equal(t, "10.0.0.5", req.IP)
	assert.Equal(t, 8080, req.Port)
	assert.Equal(t, "can", req.State)
	assert.Equal(t, uint64(42), req.Cycles)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go hb.Run(ctx, &wg)
	<-got
	<-got
	cancel()
	wg.Wait()
}

func TestHeartbeatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	hb := NewHeartbeat(host, port, "", 0, nil)
	assert.False(t, hb.Send(context.Background()))
}
