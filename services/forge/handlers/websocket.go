// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/AleutianAI/SkiffLocal/services/forge/stream"
)

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "skiff",
	Subsystem: "handlers",
	Name:      "ws_connections_active",
	Help:      "Open websocket generate connections.",
})

// The service binds to localhost; origin checks would only reject the
// file:// and 127.0.0.1 variants local tooling actually uses.
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// GenerateWS runs workflows over a websocket, one at a time.
//
// # Description
//
// Each client frame is a generate request. A rejected request answers
// with an action "rejected" frame and the connection stays open; an
// accepted one answers "task_started" followed by the run's events as
// JSON frames, ending with the terminal final_result or error. The
// next request is read once the stream finishes.
func (h *Handler) GenerateWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	wsConnections.Inc()
	defer wsConnections.Dec()
	h.logger.Info("Websocket client connected", "remote", ws.RemoteAddr().String())

	for {
		var req datatypes.GenerateRequest
		if err := ws.ReadJSON(&req); err != nil {
			h.logger.Info("Websocket client disconnected", "error", err.Error())
			return
		}

		emitter, err := h.engine.Run(c.Request.Context(), &req)
		if err != nil {
			kind := datatypes.KindOf(err)
			h.logger.Debug("Websocket request rejected", "kind", string(kind), "error", err)
			if sendErr := h.sendWS(ws, gin.H{
				"action": "rejected",
				"kind":   string(kind),
				"error":  err.Error(),
			}); sendErr != nil {
				return
			}
			continue
		}

		if err := h.sendWS(ws, gin.H{
			"action":  "task_started",
			"task_id": emitter.TaskID(),
		}); err != nil {
			return
		}

		sub := emitter.Subscribe(true)
		err = h.pumpWS(ws, sub)
		sub.Cancel()
		if err != nil {
			// The run keeps its own course; only the transport died.
			h.logger.Info("Websocket stream aborted", "task_id", emitter.TaskID(), "error", err)
			return
		}
	}
}

// pumpWS forwards events until the subscription closes after its
// terminal event.
func (h *Handler) pumpWS(ws *websocket.Conn, sub *stream.Subscription) error {
	for event := range sub.Events() {
		if err := ws.WriteJSON(event); err != nil {
			return err
		}
	}
	return nil
}

// sendWS writes one JSON control frame, logging the failure that ends
// the connection.
func (h *Handler) sendWS(ws *websocket.Conn, v any) error {
	if err := ws.WriteJSON(v); err != nil {
		h.logger.Warn("Websocket write failed", "error", err)
		return err
	}
	return nil
}
