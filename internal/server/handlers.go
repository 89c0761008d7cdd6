// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/noldarim/kernelwire/internal/correlation"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/samber/lo"
)

const defaultInfoTimeout = 5 * time.Second

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	kernel      kernel.Kernel
	registry    *ConnectionRegistry
	infoTimeout time.Duration
	started     time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(k kernel.Kernel, registry *ConnectionRegistry) *Handlers {
	return &Handlers{
		kernel:      k,
		registry:    registry,
		infoTimeout: defaultInfoTimeout,
		started:     time.Now(),
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getAPILog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["context"] = err.Error()
	}
	writeJSON(w, status, body)
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Connections    int    `json:"connections"`
	MaxConnections int    `json:"max_connections"`
	Uptime         string `json:"uptime"`
}

// Healthz handles GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus handles GET /api/v1/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Connections:    h.registry.Count(),
		MaxConnections: h.registry.Max(),
		Uptime:         time.Since(h.started).Round(time.Second).String(),
	})
}

// GetKernelInfo handles GET /api/v1/kernel/info by sending RequestKernelInfo
// through the kernel like any front-end would.
func (h *Handlers) GetKernelInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.infoTimeout)
	defer cancel()

	info, err := h.requestKernelInfo(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, info)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Kernel did not answer in time", nil)
	case errors.Is(err, kernel.ErrKernelClosed):
		writeError(w, http.StatusServiceUnavailable, "Kernel is shutting down", nil)
	default:
		writeError(w, http.StatusBadGateway, "Kernel info request failed", err)
	}
}

func (h *Handlers) requestKernelInfo(ctx context.Context) (protocol.KernelInfo, error) {
	sub := h.kernel.Subscribe()
	defer sub.Close()

	tracker := correlation.NewTracker()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go tracker.Run(runCtx, sub.Events())

	cmd := protocol.WithToken(protocol.RequestKernelInfo{}, "http-"+uuid.NewString())
	if err := h.kernel.Submit(ctx, cmd); err != nil {
		return protocol.KernelInfo{}, err
	}
	comp, err := tracker.Await(ctx, protocol.TokenOfCommand(cmd))
	if err != nil {
		return protocol.KernelInfo{}, err
	}
	if !comp.Succeeded() {
		return protocol.KernelInfo{}, errors.New(comp.Message())
	}

	ev, ok := lo.Find(comp.Events, func(ev protocol.Event) bool {
		_, is := ev.(protocol.KernelInfoProduced)
		return is
	})
	if !ok {
		return protocol.KernelInfo{}, errors.New("kernel completed without KernelInfoProduced")
	}
	return ev.(protocol.KernelInfoProduced).KernelInfo, nil
}
