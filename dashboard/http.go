package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"

	"github.com/meshnet-tools/meshagent/payment"
)

var log = btclog.Disabled

// UseLogger assigns the subsystem logger used by this package.
func UseLogger(l btclog.Logger) {
	log = l
}

// Server is the thin HTTP+websocket boundary spec.md §1 names as an
// out-of-scope external collaborator ("the HTTP dashboard and REST
// endpoints"), specified here only far enough to exercise the
// interface: routing, auth, and one streaming endpoint.
type Server struct {
	svc      *Service
	rootKey  []byte
	upgrader websocket.Upgrader
}

// NewServer builds a Server fronting svc. Requests must carry a
// "Macaroon" header holding the hex-serialized admin macaroon minted
// against rootKey.
func NewServer(svc *Service, rootKey []byte) *Server {
	return &Server{
		svc:     svc,
		rootKey: rootKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the dashboard's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/debts", s.authenticated(s.handleDebts))
	mux.HandleFunc("/v1/debts/stream", s.authenticated(s.handleDebtsStream))
	mux.HandleFunc("/v1/tunnels", s.authenticated(s.handleTunnels))
	mux.HandleFunc("/v1/interfaces/listen", s.authenticated(s.handleListenInterface))
	mux.HandleFunc("/v1/interfaces/unlisten", s.authenticated(s.handleUnlistenInterface))
	mux.HandleFunc("/v1/interfaces/status", s.authenticated(s.handleInterfaceStatus))
	// Unlike the routes above, payments/notify is reached by peers, not
	// the admin operator: it carries no macaroon, only the payer's own
	// Notification signature, checked inside PaymentController itself.
	mux.HandleFunc("/v1/payments/notify", s.handlePaymentNotify)
	return mux
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mac, err := hexDecodeHeader(r.Header.Get("Macaroon"))
		if err != nil || VerifyAdminMacaroon(s.rootKey, mac) != nil {
			http.Error(w, "invalid or missing macaroon", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDebts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.GetDebtsList(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

// handleDebtsStream upgrades to a websocket and pushes a fresh
// GetDebtsList snapshot every pollInterval — the "streaming GetDebtsList
// subscription" SPEC_FULL.md's domain stack table names gorilla/
// websocket for.
func (s *Server) handleDebtsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("dashboard: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	const pollInterval = 2 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := s.svc.GetDebtsList(ctx)
			if err != nil {
				return
			}
			if err := conn.WriteJSON(list); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.GetTunnels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleListenInterface(w http.ResponseWriter, r *http.Request) {
	iface := r.URL.Query().Get("iface")
	if iface == "" {
		http.Error(w, "missing iface", http.StatusBadRequest)
		return
	}
	s.svc.ListenInterface(iface)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnlistenInterface(w http.ResponseWriter, r *http.Request) {
	iface := r.URL.Query().Get("iface")
	if iface == "" {
		http.Error(w, "missing iface", http.StatusBadRequest)
		return
	}
	s.svc.UnlistenInterface(iface)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterfaceStatus(w http.ResponseWriter, r *http.Request) {
	iface := r.URL.Query().Get("iface")
	if iface == "" {
		http.Error(w, "missing iface", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status, err := s.svc.InterfaceStatus(ctx, iface)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

// handlePaymentNotify decodes a peer's signed payment claim and hands
// it to PaymentController. Verification (including the signature check)
// happens inside the controller; a malformed body is the only thing
// rejected at this boundary.
func (s *Server) handlePaymentNotify(w http.ResponseWriter, r *http.Request) {
	var n payment.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "malformed notification body", http.StatusBadRequest)
		return
	}
	if err := s.svc.NotifyPayment(r.Context(), n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func hexDecodeHeader(h string) ([]byte, error) {
	if h == "" {
		return nil, errEmptyMacaroonHeader
	}
	return decodeHex(h)
}
