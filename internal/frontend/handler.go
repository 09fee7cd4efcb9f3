package frontend

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sentinelfleet/core/internal/clientstore"
	"github.com/sentinelfleet/core/internal/flow"
	"github.com/sentinelfleet/core/internal/foreman"
	"github.com/sentinelfleet/core/internal/message"
	"github.com/sentinelfleet/core/internal/metrics"
)

// SignatureHeader carries the base64-encoded ed25519 signature over the raw
// request body.
const SignatureHeader = "X-Sentinelfleet-Signature"

// bundleRequest is the wire shape of an inbound MessageList (§4.8).
type bundleRequest struct {
	Messages []message.GrrMessage `json:"messages"`
}

// bundleResponse is the wire shape returned to a polling client: the
// outstanding messages claimed for it, plus the counters it uses to adjust
// its polling interval (§4.8).
type bundleResponse struct {
	Messages      []message.GrrMessage `json:"messages"`
	SentCount     int                   `json:"sentCount"`
	ReceivedCount int                   `json:"receivedCount"`
}

// Handler implements the single client-facing HTTP endpoint described in
// §4.8. One Handler serves every client; the client id is taken from the
// request path.
type Handler struct {
	runner  *flow.Runner
	foreman *foreman.Foreman
	clients *clientstore.Store
	outbox  *ClientOutbox
	auth    *Authenticator
	metrics *metrics.Recorder
	logger  *slog.Logger

	// BatchLimit caps how many outbound messages one poll returns.
	BatchLimit int
	// Lease is how long a claimed outbound message is held before it is
	// eligible for redelivery to a client that never acknowledged it.
	Lease time.Duration
}

// NewHandler wires a frontend handler. logger may be nil, in which case
// slog.Default() is used; rec may be nil, in which case metrics are skipped.
func NewHandler(runner *flow.Runner, fm *foreman.Foreman, clients *clientstore.Store, outbox *ClientOutbox, auth *Authenticator, rec *metrics.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runner:     runner,
		foreman:    fm,
		clients:    clients,
		outbox:     outbox,
		auth:       auth,
		metrics:    rec,
		logger:     logger.With(slog.String("component", "frontend")),
		BatchLimit: 100,
		Lease:      time.Minute,
	}
}

// ServeHTTP implements the four steps of §4.8 for one client id, taken from
// the request's PathValue("client_id") (the handler is meant to be mounted
// at a pattern like "POST /clients/{client_id}/messages").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var sig []byte
	if header := r.Header.Get(SignatureHeader); header != "" {
		sig, err = decodeSignature(header)
		if err != nil {
			http.Error(w, "malformed signature header", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	authState, err := h.auth.Verify(ctx, clientID, body, sig)
	if err != nil && !errors.Is(err, ErrBadSignature) {
		h.logger.Error("signature verification error", slog.String("client_id", clientID), slog.Any("err", err))
	}
	if h.metrics != nil {
		h.metrics.ObserveFrontendBundle(authStateLabel(authState))
	}

	var bundle bundleRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &bundle); err != nil {
			http.Error(w, "malformed message bundle", http.StatusBadRequest)
			return
		}
	}

	received := 0
	for _, msg := range bundle.Messages {
		msg.AuthState = authState
		if authState == message.Unauthenticated && msg.Name != EnrollmentAction {
			h.logger.Warn("rejecting unauthenticated non-enrollment message",
				slog.String("client_id", clientID), slog.String("session_id", msg.SessionID))
			continue
		}
		if err := h.runner.IngestResponse(ctx, msg); err != nil {
			h.logger.Error("ingest response failed",
				slog.String("client_id", clientID), slog.String("session_id", msg.SessionID), slog.Any("err", err))
			continue
		}
		received++
	}

	if err := h.clients.RecordCheckIn(ctx, clientID, time.Now().UTC()); err != nil {
		h.logger.Error("record check-in failed", slog.String("client_id", clientID), slog.Any("err", err))
	}

	if h.foreman != nil {
		if err := h.foreman.AssignTasksToClient(ctx, clientID); err != nil {
			h.logger.Error("foreman assignment failed", slog.String("client_id", clientID), slog.Any("err", err))
		}
	}

	limit := h.BatchLimit
	if limit <= 0 {
		limit = 100
	}
	claimed, err := h.outbox.Claim(ctx, clientID, limit, h.Lease)
	if err != nil {
		h.logger.Error("claim outbound messages failed", slog.String("client_id", clientID), slog.Any("err", err))
		claimed = nil
	}

	outgoing := make([]message.GrrMessage, 0, len(claimed))
	recordIDs := make([]string, 0, len(claimed))
	for _, c := range claimed {
		outgoing = append(outgoing, c.Message)
		recordIDs = append(recordIDs, c.RecordID)
	}

	resp := bundleResponse{Messages: outgoing, SentCount: len(outgoing), ReceivedCount: received}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode response failed", slog.String("client_id", clientID), slog.Any("err", err))
		return
	}

	if err := h.outbox.Delete(ctx, clientID, recordIDs); err != nil {
		h.logger.Error("delete delivered messages failed", slog.String("client_id", clientID), slog.Any("err", err))
	}
}

func authStateLabel(s message.AuthState) string {
	switch s {
	case message.Authenticated:
		return "authenticated"
	case message.Desynchronized:
		return "desynchronized"
	default:
		return "unauthenticated"
	}
}
