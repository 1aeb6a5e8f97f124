// Package server implements the HTTP API for the BGP daemon.
//
// The API is plain JSON over HTTP. Neighbor resources live under
// /v1/neighbors; state-change events stream as newline-delimited JSON
// from /v1/events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/wolfguard/gobgpd/internal/bgp"
	"github.com/wolfguard/gobgpd/internal/version"
)

// Defaults carries the local speaker parameters applied to neighbors
// created through the API.
type Defaults struct {
	// RouterID is the local BGP Identifier.
	RouterID netip.Addr

	// LocalAS is the local autonomous system number.
	LocalAS uint32

	// HoldTime is the proposed Hold Time for neighbors without an
	// override.
	HoldTime time.Duration

	// ConnectRetry is the connect retry interval.
	ConnectRetry time.Duration
}

// APIServer exposes the peer Manager over HTTP.
//
// Each handler delegates to the Manager for actual BGP operations. The
// server is a thin adapter between the HTTP API and internal domain.
type APIServer struct {
	manager  *bgp.Manager
	defaults Defaults
	logger   *slog.Logger
}

// New creates an APIServer and returns its routed HTTP handler, wrapped
// in the given middleware (outermost first).
func New(manager *bgp.Manager, defaults Defaults, logger *slog.Logger, mw ...Middleware) http.Handler {
	s := &APIServer{
		manager:  manager,
		defaults: defaults,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/neighbors", s.handleListNeighbors)
	mux.HandleFunc("POST /v1/neighbors", s.handleAddNeighbor)
	mux.HandleFunc("GET /v1/neighbors/{addr}", s.handleGetNeighbor)
	mux.HandleFunc("DELETE /v1/neighbors/{addr}", s.handleDeleteNeighbor)
	mux.HandleFunc("POST /v1/neighbors/{addr}/enable", s.handleEnableNeighbor)
	mux.HandleFunc("POST /v1/neighbors/{addr}/disable", s.handleDisableNeighbor)
	mux.HandleFunc("POST /v1/neighbors/{addr}/clear", s.handleClearNeighbor)
	mux.HandleFunc("GET /v1/events", s.handleWatchEvents)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	return Wrap(mux, mw...)
}

// -------------------------------------------------------------------------
// Wire Types
// -------------------------------------------------------------------------

// Neighbor is the JSON view of one peer.
type Neighbor struct {
	Addr              string            `json:"addr"`
	RemoteAS          uint32            `json:"remote_as"`
	RemoteID          string            `json:"remote_id,omitempty"`
	State             string            `json:"state"`
	LastState         string            `json:"last_state"`
	AdminDown         bool              `json:"admin_down"`
	Passive           bool              `json:"passive"`
	HoldTime          string            `json:"hold_time"`
	IdleHoldTime      string            `json:"idle_hold_time"`
	ConnectAttempts   uint64            `json:"connect_attempts"`
	Flaps             uint64            `json:"flaps"`
	QueueDropped      uint64            `json:"queue_dropped"`
	LastEvent         string            `json:"last_event,omitempty"`
	LastEventAt       *time.Time        `json:"last_event_at,omitempty"`
	LastStateChangeAt *time.Time        `json:"last_state_change_at,omitempty"`
	NotificationIn    *NotificationInfo `json:"notification_in,omitempty"`
	NotificationOut   *NotificationInfo `json:"notification_out,omitempty"`
	MessagesSent      uint64            `json:"messages_sent"`
	MessagesReceived  uint64            `json:"messages_received"`
	UpdatesReceived   uint64            `json:"updates_received"`
}

// NotificationInfo is the JSON view of one recorded Notification.
type NotificationInfo struct {
	Code    uint8     `json:"code"`
	Subcode uint8     `json:"subcode"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// AddNeighborRequest is the JSON body of POST /v1/neighbors.
type AddNeighborRequest struct {
	Addr      string `json:"addr"`
	Port      uint16 `json:"port,omitempty"`
	RemoteAS  uint32 `json:"remote_as"`
	RemoteID  string `json:"remote_id,omitempty"`
	HoldTime  string `json:"hold_time,omitempty"`
	Passive   bool   `json:"passive,omitempty"`
	AdminDown bool   `json:"admin_down,omitempty"`
}

// Event is the JSON view of one state change on the /v1/events stream.
type Event struct {
	Peer      string    `json:"peer"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VersionInfo is the JSON body of GET /v1/version.
type VersionInfo struct {
	Version string `json:"version"`
}

// errorBody is the JSON shape of all error responses.
type errorBody struct {
	Error string `json:"error"`
}

// -------------------------------------------------------------------------
// Neighbor Handlers
// -------------------------------------------------------------------------

func (s *APIServer) handleListNeighbors(w http.ResponseWriter, _ *http.Request) {
	snaps := s.manager.Peers()

	neighbors := make([]Neighbor, 0, len(snaps))
	for _, snap := range snaps {
		neighbors = append(neighbors, neighborFromSnapshot(snap))
	}

	writeJSON(w, http.StatusOK, neighbors)
}

func (s *APIServer) handleGetNeighbor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	snap, err := s.manager.PeerSnapshotFor(addr)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, neighborFromSnapshot(snap))
}

func (s *APIServer) handleAddNeighbor(w http.ResponseWriter, r *http.Request) {
	var req AddNeighborRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	cfg, err := s.peerConfigFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := s.manager.AddPeer(r.Context(), cfg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	snap, err := s.manager.PeerSnapshotFor(cfg.Addr.Addr())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, neighborFromSnapshot(snap))
}

func (s *APIServer) handleDeleteNeighbor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	if err := s.manager.RemovePeer(addr); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleEnableNeighbor(w http.ResponseWriter, r *http.Request) {
	s.setAdminState(w, r, false)
}

func (s *APIServer) handleDisableNeighbor(w http.ResponseWriter, r *http.Request) {
	s.setAdminState(w, r, true)
}

func (s *APIServer) setAdminState(w http.ResponseWriter, r *http.Request, down bool) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	if err := s.manager.SetAdminState(addr, down); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleClearNeighbor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	if err := s.manager.ClearPeer(addr); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Event Stream
// -------------------------------------------------------------------------

// handleWatchEvents streams state changes as newline-delimited JSON until
// the client disconnects. The Manager fans events into a single public
// channel, so at most one watcher receives each event.
func (s *APIServer) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	changes := s.manager.StateChanges()

	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-changes:
			if !open {
				return
			}
			if err := enc.Encode(eventFromChange(change)); err != nil {
				s.logger.DebugContext(r.Context(), "event stream write failed",
					slog.String("error", err.Error()),
				)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *APIServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VersionInfo{Version: version.Version})
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

var errStreamingUnsupported = errors.New("response writer does not support streaming")

// pathAddr parses the {addr} path segment, writing a 400 on failure.
func (s *APIServer) pathAddr(w http.ResponseWriter, r *http.Request) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse neighbor addr: %w", err))
		return netip.Addr{}, false
	}
	return addr, true
}

// peerConfigFromRequest builds a peer configuration from the request
// body, filling local speaker parameters from the server defaults.
func (s *APIServer) peerConfigFromRequest(req AddNeighborRequest) (bgp.PeerConfig, error) {
	addr, err := netip.ParseAddr(req.Addr)
	if err != nil {
		return bgp.PeerConfig{}, fmt.Errorf("parse neighbor addr %q: %w", req.Addr, err)
	}

	port := req.Port
	if port == 0 {
		port = 179
	}

	holdTime := s.defaults.HoldTime
	if req.HoldTime != "" {
		holdTime, err = time.ParseDuration(req.HoldTime)
		if err != nil {
			return bgp.PeerConfig{}, fmt.Errorf("parse hold_time %q: %w", req.HoldTime, err)
		}
	}

	var remoteID uint32
	if req.RemoteID != "" {
		id, err := netip.ParseAddr(req.RemoteID)
		if err != nil || !id.Is4() {
			return bgp.PeerConfig{}, fmt.Errorf("remote_id %q is not an IPv4 address", req.RemoteID)
		}
		b := id.As4()
		remoteID = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}

	return bgp.PeerConfig{
		Addr:         netip.AddrPortFrom(addr, port),
		LocalAS:      s.defaults.LocalAS,
		RemoteAS:     req.RemoteAS,
		RouterID:     s.defaults.RouterID,
		RemoteID:     remoteID,
		HoldTime:     holdTime,
		ConnectRetry: s.defaults.ConnectRetry,
		Passive:      req.Passive,
		AdminDown:    req.AdminDown,
	}, nil
}

// neighborFromSnapshot converts the domain snapshot into its JSON view.
func neighborFromSnapshot(snap bgp.PeerSnapshot) Neighbor {
	n := Neighbor{
		Addr:             snap.Addr,
		RemoteAS:         snap.RemoteAS,
		State:            snap.State.String(),
		LastState:        snap.LastState.String(),
		AdminDown:        snap.AdminDown,
		Passive:          snap.Passive,
		HoldTime:         snap.HoldTime.String(),
		IdleHoldTime:     snap.IdleHoldTime.String(),
		ConnectAttempts:  snap.ConnectAttempts,
		Flaps:            snap.Flaps,
		QueueDropped:     snap.QueueDropped,
		LastEvent:        snap.LastEvent,
		MessagesSent:     snap.MessagesSent,
		MessagesReceived: snap.MessagesReceived,
		UpdatesReceived:  snap.UpdatesReceived,
	}

	if snap.RemoteID != 0 {
		n.RemoteID = formatRouterID(snap.RemoteID)
	}
	if !snap.LastEventAt.IsZero() {
		at := snap.LastEventAt
		n.LastEventAt = &at
	}
	if !snap.LastStateChangeAt.IsZero() {
		at := snap.LastStateChangeAt
		n.LastStateChangeAt = &at
	}
	if !snap.NotificationIn.At.IsZero() {
		n.NotificationIn = notificationInfo(snap.NotificationIn)
	}
	if !snap.NotificationOut.At.IsZero() {
		n.NotificationOut = notificationInfo(snap.NotificationOut)
	}

	return n
}

func notificationInfo(rec bgp.NotificationRecord) *NotificationInfo {
	return &NotificationInfo{
		Code:    rec.Code,
		Subcode: rec.Subcode,
		Reason:  rec.Reason,
		At:      rec.At,
	}
}

func eventFromChange(change bgp.StateChange) Event {
	return Event{
		Peer:      change.PeerAddr.String(),
		OldState:  change.OldState.String(),
		NewState:  change.NewState.String(),
		Reason:    change.Reason,
		Timestamp: change.Timestamp,
	}
}

// formatRouterID renders a BGP Identifier as a dotted quad.
func formatRouterID(id uint32) string {
	return netip.AddrFrom4([4]byte{
		byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id),
	}).String()
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bgp.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, bgp.ErrDuplicatePeer):
		return http.StatusConflict
	case errors.Is(err, bgp.ErrInvalidPeerAddr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
