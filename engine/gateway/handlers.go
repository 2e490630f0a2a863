package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/trace"
	"github.com/entropool/entropool/storage"
)

const (
	// maxContributionBody caps the transport size of a REST contribution.
	// The mixer enforces the semantic limit; this only stops oversized
	// bodies from being buffered at all.
	maxContributionBody = 64 << 10

	// retryAfterSeconds is suggested to clients rejected because the store
	// is unreachable. The store prober runs on the same order of magnitude,
	// so by then the verdict is fresh again.
	retryAfterSeconds = 5
)

// REST error codes. They match the websocket protocol's error codes so a
// client sees one vocabulary on both surfaces.
const (
	errCodeBadRequest          = "bad_request"
	errCodeInvalidContribution = "invalid_contribution"
	errCodeContention          = "contention"
	errCodeStoreUnavailable    = "store_unavailable"
	errCodeWaitTimeout         = "wait_timeout"
	errCodeInternal            = "internal_error"
)

type stateResponse struct {
	Version   uint64    `json:"version"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale,omitempty"`
}

func newStateResponse(state *entropy.State, stale bool) stateResponse {
	return stateResponse{
		Version:   state.Version,
		Payload:   state.Payload,
		UpdatedAt: state.UpdatedAt,
		Stale:     stale,
	}
}

type contributionRequest struct {
	Payload string `json:"payload"`
}

type historyResponse struct {
	States []stateResponse `json:"states"`
}

type waitlistResponse struct {
	Waiters []string `json:"waiters"`
	Count   int      `json:"count"`
}

type connectionInfo struct {
	ID              string    `json:"id"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastSeenVersion uint64    `json:"last_seen_version"`
	Liveness        string    `json:"liveness"`
}

type connectionsResponse struct {
	Connections []connectionInfo `json:"connections"`
	Count       int              `json:"count"`
}

type healthResponse struct {
	Status         string `json:"status"`
	StoreAvailable bool   `json:"store_available"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// getState serves the current pool state, marked stale when it is a cached
// copy served during a store outage.
func (g *Gateway) getState(w http.ResponseWriter, r *http.Request) {
	span, ctx := g.tracer.StartSpanFromContext(r.Context(), trace.GatewayState)
	defer span.End()

	state, stale, err := g.states.CurrentState(ctx)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, newStateResponse(state, stale))
}

// postContribution is the REST submission path. The response carries the
// state the contribution created.
func (g *Gateway) postContribution(w http.ResponseWriter, r *http.Request) {
	span, ctx := g.tracer.StartSpanFromContext(r.Context(), trace.GatewayContribution)
	defer span.End()

	var req contributionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxContributionBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeErrorCode(w, http.StatusBadRequest, errCodeBadRequest, "could not parse request body")
		return
	}

	contribution := entropy.Contribution{
		ConnectionID: RequestID(ctx),
		Payload:      req.Payload,
		SubmittedAt:  time.Now().UTC(),
	}

	state, err := g.states.ApplyContribution(ctx, contribution)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, newStateResponse(state, false))
}

// getRandom parks the request on the waitlist until the next accepted
// contribution produces a fresh state, bounded by the configured wait
// timeout.
func (g *Gateway) getRandom(w http.ResponseWriter, r *http.Request) {
	span, ctx := g.tracer.StartSpanFromContext(r.Context(), trace.GatewayRandom)
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, g.config.WaitTimeout)
	defer cancel()

	state, err := g.waiters.Join(waitCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			g.writeErrorCode(w, http.StatusGatewayTimeout, errCodeWaitTimeout, "no contribution arrived in time")
		case errors.Is(err, context.Canceled):
			// the client went away, nobody is listening for the answer
		default:
			g.writeError(w, err)
		}
		return
	}
	g.writeJSON(w, http.StatusOK, newStateResponse(state, false))
}

// getWaitlist reports the waiter ids currently parked, head first.
func (g *Gateway) getWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := g.waiters.Entries(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []string{}
	}
	g.writeJSON(w, http.StatusOK, waitlistResponse{Waiters: entries, Count: len(entries)})
}

// getHistory reports the states this instance observed recently, oldest
// first.
func (g *Gateway) getHistory(w http.ResponseWriter, r *http.Request) {
	history := g.states.History()
	states := make([]stateResponse, 0, len(history))
	for _, state := range history {
		states = append(states, newStateResponse(state, false))
	}
	g.writeJSON(w, http.StatusOK, historyResponse{States: states})
}

// getConnections reports the websocket connections registered on this
// instance, ordered by connect time.
func (g *Gateway) getConnections(w http.ResponseWriter, r *http.Request) {
	snapshot := g.registry.Snapshot()
	connections := make([]connectionInfo, 0, len(snapshot))
	for _, conn := range snapshot {
		connections = append(connections, connectionInfo{
			ID:              conn.ID(),
			ConnectedAt:     conn.ConnectedAt(),
			LastSeenVersion: conn.LastSeenVersion(),
			Liveness:        conn.Liveness().String(),
		})
	}
	g.writeJSON(w, http.StatusOK, connectionsResponse{Connections: connections, Count: len(connections)})
}

// getHealth reports liveness. A store outage degrades the service to
// stale reads but never fails this endpoint: load balancers must keep
// routing so clients can still connect and read.
func (g *Gateway) getHealth(w http.ResponseWriter, r *http.Request) {
	available := g.health.Available()
	status := "ok"
	if !available {
		status = "degraded"
	}
	g.writeJSON(w, http.StatusOK, healthResponse{Status: status, StoreAvailable: available})
}

// getIndex serves the web client's entry point.
func (g *Gateway) getIndex(w http.ResponseWriter, r *http.Request) {
	g.serveAsset(w, r, "index.html")
}

// getStatic serves the web client's static files.
func (g *Gateway) getStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	g.serveAsset(w, r, name)
}

func (g *Gateway) serveAsset(w http.ResponseWriter, r *http.Request, name string) {
	asset, err := g.assets.Open(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		http.NotFound(w, r)
		return
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "asset backend unavailable", http.StatusBadGateway)
		return
	default:
		g.log.Err(err).Str("asset", name).Msg("could not open asset")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", asset.ContentType)
	_, _ = w.Write(asset.Body)
}

// writeError maps a core error onto the REST surface. Unknown errors are
// logged and reported as internal; the expected taxonomy maps one to one
// onto status codes.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case entropy.IsInvalidContributionError(err):
		g.writeErrorCode(w, http.StatusBadRequest, errCodeInvalidContribution, err.Error())

	case errors.Is(err, entropy.ErrContention):
		g.writeErrorCode(w, http.StatusConflict, errCodeContention, "pool is contended, try again")

	case errors.Is(err, storage.ErrUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		g.writeErrorCode(w, http.StatusServiceUnavailable, errCodeStoreUnavailable, "store is unavailable, try again later")

	default:
		g.log.Err(err).Msg("request failed")
		g.writeErrorCode(w, http.StatusInternalServerError, errCodeInternal, "internal error")
	}
}

func (g *Gateway) writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	g.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.log.Err(err).Msg("could not write response")
	}
}
