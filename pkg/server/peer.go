// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/porpulsion/porpulsion/pkg/channel"
	"github.com/porpulsion/porpulsion/pkg/handshake"
)

// PeerHandler builds the router for the peer-facing port: the handshake
// endpoint and the authenticated websocket upgrade.
func PeerHandler(hs *handshake.Server, channels *channel.Manager) http.Handler {
	r := mux.NewRouter()
	r.Handle("/peer", hs).Methods(http.MethodPost)
	r.HandleFunc("/ws", channels.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
