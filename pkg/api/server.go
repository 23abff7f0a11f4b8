package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/lazybook/pkg/app/core/orderbook"
	"github.com/uhyunpark/lazybook/pkg/app/core/transaction"
	"github.com/uhyunpark/lazybook/pkg/app/venue"
)

const (
	maxTxBytes       = 64 << 10
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Backend is the node state the API reads and submits to.
type Backend interface {
	SubmitTx(raw []byte) (common.Hash, error)
	Receipt(h common.Hash) (*transaction.Receipt, error)
	Order(id uint64) (*orderbook.Order, error)
	OrdersByOwner(owner common.Address, activeOnly bool) []*orderbook.Order
	PriceAt(id uint64, ts *uint64) (*uint256.Int, error)
	Balance(token, holder common.Address) *uint256.Int
	Custody(token common.Address) *uint256.Int
	Events(fromSeq uint64, limit int) ([]orderbook.EventRecord, error)
	Status() venue.Status
}

// TxGossip relays accepted transactions to the sequencer and peers.
type TxGossip interface {
	GossipTx(raw []byte) error
}

// Server handles REST API and WebSocket connections
type Server struct {
	backend Backend
	gossip  TxGossip
	router  *mux.Router
	hub     *Hub
	origins []string
	http    *http.Server
	logger  *zap.SugaredLogger
}

func NewServer(backend Backend, gossip TxGossip, corsOrigins []string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		backend: backend,
		gossip:  gossip,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		origins: corsOrigins,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Hub is the event sink feeding WebSocket clients.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/tx/{hash}", s.handleGetReceipt).Methods("GET")

	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")

	api.HandleFunc("/ledger/{token}/balances/{holder}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/ledger/{token}/custody", s.handleGetCustody).Methods("GET")

	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infow("api_listening", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(raw) > maxTxBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "transaction too large", "")
		return
	}

	h, err := s.backend.SubmitTx(raw)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, venue.ErrStaleNonce) || errors.Is(err, venue.ErrDuplicateTx) {
			status = http.StatusConflict
		}
		respondError(w, status, venue.Code(err), err.Error())
		return
	}
	if s.gossip != nil {
		if err := s.gossip.GossipTx(raw); err != nil {
			s.logger.Warnw("tx_gossip_failed", "tx", h.Hex(), "err", err)
		}
	}
	s.logger.Debugw("tx_submitted", "tx", h.Hex(), "bytes", len(raw))
	respondJSON(w, SubmitTxResponse{Status: "submitted", TxHash: h.Hex()})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	hexHash := mux.Vars(r)["hash"]
	raw, err := hexutil.Decode(hexHash)
	if err != nil || len(raw) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid tx hash", hexHash)
		return
	}
	receipt, err := s.backend.Receipt(common.BytesToHash(raw))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}
	if receipt == nil {
		respondError(w, http.StatusNotFound, "receipt not found", "transaction pending or unknown")
		return
	}
	respondJSON(w, receipt)
}

// orderID reads the {id} route variable. The route only admits digits, so
// the one failure is a value beyond uint64.
func orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	v := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", v)
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := s.backend.Order(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	info := toOrderInfo(o)
	if p, err := s.backend.PriceAt(id, nil); err == nil {
		info.CurrentPrice = p.Dec()
	}
	respondJSON(w, info)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var at *uint64
	if v := r.URL.Query().Get("at"); v != "" {
		ts, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid timestamp", v)
			return
		}
		at = &ts
	}
	price, err := s.backend.PriceAt(id, at)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	ts := s.backend.Status().BlockTime
	if at != nil {
		ts = *at
	}
	respondJSON(w, PriceResponse{OrderID: id, Timestamp: ts, Price: price.Dec()})
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	orders := s.backend.OrdersByOwner(owner, activeOnly)
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderInfo(o))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, ok := parseAddress(w, vars["token"])
	if !ok {
		return
	}
	holder, ok := parseAddress(w, vars["holder"])
	if !ok {
		return
	}
	respondJSON(w, BalanceResponse{
		Token:   token.Hex(),
		Holder:  holder.Hex(),
		Balance: s.backend.Balance(token, holder).Dec(),
	})
}

func (s *Server) handleGetCustody(w http.ResponseWriter, r *http.Request) {
	token, ok := parseAddress(w, mux.Vars(r)["token"])
	if !ok {
		return
	}
	respondJSON(w, BalanceResponse{Token: token.Hex(), Balance: s.backend.Custody(token).Dec()})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, limit := uint64(1), defaultPageLimit
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from", v)
			return
		}
		from = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxPageLimit)
	}

	events, err := s.backend.Events(from, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}
	next := from
	if len(events) > 0 {
		next = events[len(events)-1].Seq + 1
	}
	if events == nil {
		events = []orderbook.EventRecord{}
	}
	respondJSON(w, EventsResponse{Events: events, Next: next})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	respondJSON(w, ChainStatus{
		Height:      st.Height,
		BlockTime:   st.BlockTime,
		NextOrderID: st.NextOrderID,
		EventSeq:    st.EventSeq,
		MempoolSize: st.PendingTxs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondDomainError maps book errors: unknown orders are 404, any other
// rejection is 422 with its code.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orderbook.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, orderbook.Code(err), err.Error())
	case orderbook.IsDomainError(err):
		respondError(w, http.StatusUnprocessableEntity, orderbook.Code(err), err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
