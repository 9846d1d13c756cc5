package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"SmartBin/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Cycles    uint64 `json:"cycles"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Report supplies the live fields of every heartbeat.
type Report func() (state string, cycles uint64)

// Heartbeat registers this bin with a registration server every Interval.
type Heartbeat struct {
	URL      string
	IP       string
	Port     int
	Interval time.Duration
	Report   Report

	id     string
	client *resty.Client
}

func NewHeartbeat(host string, port int, ip string, apiPort int, report Report) *Heartbeat {
	return &Heartbeat{
		URL:      fmt.Sprintf("http://%s/api/register", net.JoinHostPort(host, fmt.Sprint(port))),
		IP:       ip,
		Port:     apiPort,
		Interval: TimeOutSeconds * time.Second,
		Report:   report,
		id:       uuid.NewString(),
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (h *Heartbeat) ID() string { return h.id }

// Send posts one registration. Panics are recovered and logged.
func (h *Heartbeat) Send(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("heartbeat panic recovered", zap.Any("panic", r))
			ok = false
		}
	}()
	reqBody := RegisterRequest{
		Id:        h.id,
		IP:        h.IP,
		Port:      h.Port,
		Kind:      "smartbin",
		TimeStamp: time.Now().Unix(),
	}
	if h.Report != nil {
		reqBody.State, reqBody.Cycles = h.Report()
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(h.URL)
	if err != nil {
		logger.Log().Warn("heartbeat request error", zap.String("url", h.URL), zap.Error(err))
		return false
	}
	if resp.IsError() {
		logger.Log().Warn("registration server returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return false
	}
	return respBody.Success
}

// Run sends a heartbeat immediately and then every Interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	h.Send(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped", zap.String("id", h.id))
			return
		case <-ticker.C:
			h.Send(ctx)
		}
	}
}

// GetOutboundIP returns the local address used to reach the network. No
// packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
