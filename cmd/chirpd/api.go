package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/chirp-discovery/chirp/lib/chirp"
	"github.com/chirp-discovery/chirp/lib/svcutil"
)

// statusAPI serves a small read-only view of a running chirpd's Manager
// over HTTP, grounded on syncthing's lib/api service: an httprouter mux
// under /rest/..., one http.Server bound to one listener, shut down when
// ctx is cancelled. It carries no TLS or API key, unlike syncthing's API:
// it is meant to sit on loopback (chirpcfg.DefaultAPIAddress) and be
// queried only by "chirpd show", not exposed to a network.
type statusAPI struct {
	addr string
	mgr  *chirp.Manager
}

func newStatusAPI(addr string, mgr *chirp.Manager) *statusAPI {
	return &statusAPI{addr: addr, mgr: mgr}
}

func (s *statusAPI) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("chirpd: status API: %w", err)
	}
	defer listener.Close()

	mux := httprouter.New()
	mux.HandlerFunc(http.MethodGet, "/rest/chirp/registered", s.getRegistered)
	mux.HandlerFunc(http.MethodGet, "/rest/chirp/discovered", s.getDiscovered)

	srv := &http.Server{Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	l.Infoln("status API listening on", listener.Addr())

	select {
	case <-ctx.Done():
		srv.Close()
		<-serveErr
		return svcutil.NoRestartErr(ctx.Err())
	case err := <-serveErr:
		return err
	}
}

func (s *statusAPI) getRegistered(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, s.mgr.GetRegisteredServices())
}

func (s *statusAPI) getDiscovered(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, s.mgr.GetDiscoveredServices())
}

// sendJSON writes jsonObject as indented JSON, matching syncthing's
// lib/api.sendJSON: a marshal failure becomes a 500 carrying the error
// rather than a panic or a silently empty body.
func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}
