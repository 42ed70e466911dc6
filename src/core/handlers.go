package main

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIVersion is sent with every API response
const APIVersion = "1.0"

// Error codes returned in the error envelope
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeMissingParameters = "MISSING_PARAMETERS"
	ErrCodeInvalidParameter  = "INVALID_PARAMETER"
	ErrCodeInvalidBody       = "INVALID_BODY"
	ErrCodeInvalidFact       = "INVALID_FACT"
	ErrCodeInvalidClaim      = "INVALID_CLAIM"
	ErrCodeInvalidEnvelope   = "INVALID_ENVELOPE"
	ErrCodeSelfTrust         = "SELF_TRUST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteSuccess writes a 200 success envelope
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

// WriteSuccessStatus writes a success envelope with the given status
func WriteSuccessStatus(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

// WriteError writes an error envelope
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiResponse{Success: false, Error: &apiError{Code: code, Message: message}})
}

// setupRouter registers all API routes and middleware
func (node *TrustNode) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(node.limiter))
	router.Use(BodySizeLimitMiddleware(node.cfg.MaxBodySizeBytes))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")
	api.HandleFunc("/nodes", node.GetNodesHandler).Methods("GET")

	// Parameter endpoints
	api.HandleFunc("/parameters", node.GetParametersHandler).Methods("GET")
	api.HandleFunc("/parameters/history", node.GetParameterHistoryHandler).Methods("GET")

	// Trust endpoints
	api.HandleFunc("/trust/{observer}", node.GetTrustViewHandler).Methods("GET")
	api.HandleFunc("/trust/{observer}/{subject}", node.GetTrustHandler).Methods("GET")

	// Economics endpoints
	api.HandleFunc("/economics/provider-share", node.ProviderShareHandler).Methods("GET")
	api.HandleFunc("/economics/transfer-burn", node.TransferBurnHandler).Methods("GET")
	api.HandleFunc("/economics/daily-share/{identity}", node.DailyShareHandler).Methods("GET")
	api.HandleFunc("/economics/distribution", node.DistributionHandler).Methods("GET")

	// Ledger endpoints
	api.HandleFunc("/ledger/identities", node.CreateIdentityHandler).Methods("POST")
	api.HandleFunc("/ledger/transactions", node.CreateTransactionHandler).Methods("POST")
	api.HandleFunc("/ledger/verifications", node.CreateVerificationHandler).Methods("POST")
	api.HandleFunc("/ledger/assertions", node.CreateAssertionHandler).Methods("POST")
	api.HandleFunc("/ledger/stats", node.LedgerStatsHandler).Methods("GET")

	// Detector endpoints
	api.HandleFunc("/claims", node.SubmitClaimHandler).Methods("POST")
	api.HandleFunc("/transactions/{txId}/status", node.TransactionStatusHandler).Methods("GET")
	api.HandleFunc("/currency-weight", node.CurrencyWeightHandler).Methods("GET")
	api.HandleFunc("/detector/stats", node.DetectorStatsHandler).Methods("GET")

	// Node-to-node gossip
	gossip := api.PathPrefix("/gossip").Subrouter()
	gossip.Use(node.auth.Middleware)
	gossip.HandleFunc("/claims", node.GossipHandler(SchemaGossipClaim)).Methods("POST")
	gossip.HandleFunc("/assertions", node.GossipHandler(SchemaAssertion)).Methods("POST")
	gossip.HandleFunc("/parameters", node.GossipHandler(SchemaParameterSet)).Methods("POST")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Resource not found")
	})

	return router
}

// StartServer starts the HTTP server for API endpoints
func (node *TrustNode) StartServer(port string) error {
	node.server = &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(node.setupRouter(), "trustcore"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting trust node server", "port", port, "nodeId", node.NodeID)
	return node.server.ListenAndServe()
}

// HealthCheckHandler handles health check requests
func (node *TrustNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":            "ok",
		"node_id":           node.NodeID,
		"uptime":            int64(node.clock.Now().Sub(node.startedAt).Seconds()),
		"version":           "1.0.0",
		"ledger_version":    node.Ledger.Version(),
		"parameter_version": node.Params.Current().Version,
		"peers":             node.peers.Len(),
	})
}

// GetNodesHandler returns this node and its known peers
func (node *TrustNode) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"self":  node.Self(),
		"nodes": node.peers.Peers(),
	})
}

// GetParametersHandler returns the live parameter set
func (node *TrustNode) GetParametersHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, node.Params.Current())
}

// GetParameterHistoryHandler returns every retained parameter version
func (node *TrustNode) GetParameterHistoryHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"versions": node.Params.History(),
	})
}

// GetTrustHandler returns one observer-relative trust value
func (node *TrustNode) GetTrustHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	observer, subject := vars["observer"], vars["subject"]

	if !IsValidIdentityID(observer) || !IsValidIdentityID(subject) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, "observer and subject must be 16 hex character identity IDs")
		return
	}

	result, err := node.ComputeTrust(r.Context(), observer, subject)
	if errors.Is(err, ErrSelfTrust) {
		WriteError(w, http.StatusBadRequest, ErrCodeSelfTrust, err.Error())
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	WriteSuccess(w, result)
}

// GetTrustViewHandler returns the observer's trust in every reachable identity
func (node *TrustNode) GetTrustViewHandler(w http.ResponseWriter, r *http.Request) {
	observer := mux.Vars(r)["observer"]
	if !IsValidIdentityID(observer) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, "observer must be a 16 hex character identity ID")
		return
	}

	view := node.TrustView(r.Context(), observer)
	WriteSuccess(w, map[string]interface{}{
		"observer":        observer,
		"edges":           view.Edges(),
		"converged":       view.Converged,
		"degraded":        view.Degraded,
		"iterations":      view.Iterations,
		"snapshotVersion": view.SnapshotVersion,
		"paramVersion":    view.ParamVersion,
	})
}

// floatParam parses a finite float query parameter
func floatParam(r *http.Request, name string) (float64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, true, errors.New("invalid " + name)
	}
	return v, true, nil
}

// ProviderShareHandler returns the payment fraction for ?trust=
func (node *TrustNode) ProviderShareHandler(w http.ResponseWriter, r *http.Request) {
	trust, present, err := floatParam(r, "trust")
	if !present {
		WriteError(w, http.StatusBadRequest, ErrCodeMissingParameters, "trust is required")
		return
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, err.Error())
		return
	}

	params := node.Params.Current()
	WriteSuccess(w, map[string]interface{}{
		"trust":         trust,
		"providerShare": ProviderShare(trust, params),
		"burnedShare":   BurnedShare(trust, params),
		"paramVersion":  params.Version,
	})
}

// TransferBurnHandler returns the burn fraction for ?sender=&receiver=
func (node *TrustNode) TransferBurnHandler(w http.ResponseWriter, r *http.Request) {
	sender, senderPresent, senderErr := floatParam(r, "sender")
	receiver, receiverPresent, receiverErr := floatParam(r, "receiver")
	if !senderPresent || !receiverPresent {
		WriteError(w, http.StatusBadRequest, ErrCodeMissingParameters, "sender and receiver are required")
		return
	}
	if err := errors.Join(senderErr, receiverErr); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, err.Error())
		return
	}

	params := node.Params.Current()
	WriteSuccess(w, map[string]interface{}{
		"sender":       sender,
		"receiver":     receiver,
		"burnRate":     TransferBurnRate(sender, receiver, params),
		"paramVersion": params.Version,
	})
}

func (node *TrustNode) epochParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("epoch")
	if raw == "" {
		return node.Planner.CurrentEpoch(), nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || epoch < 0 {
		return 0, errors.New("epoch must be a non-negative integer")
	}
	return epoch, nil
}

// DailyShareHandler returns an identity's allocation for ?epoch= (default current)
func (node *TrustNode) DailyShareHandler(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if !IsValidIdentityID(identity) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, "identity must be a 16 hex character identity ID")
		return
	}
	epoch, err := node.epochParam(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, err.Error())
		return
	}

	share, err := node.DailyShare(r.Context(), identity, epoch)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"identity": identity,
		"epoch":    epoch,
		"share":    share,
	})
}

// DistributionHandler returns the whole allocation for ?epoch= (default current)
func (node *TrustNode) DistributionHandler(w http.ResponseWriter, r *http.Request) {
	epoch, err := node.epochParam(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, err.Error())
		return
	}

	d, err := node.Planner.Distribution(r.Context(), epoch)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	WriteSuccess(w, d)
}

func writeSubmission(w http.ResponseWriter, id string, added bool, err error) {
	if errors.Is(err, ErrInvalidFact) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidFact, err.Error())
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	WriteSuccessStatus(w, status, map[string]interface{}{
		"id":    id,
		"added": added,
	})
}

// CreateIdentityHandler registers an identity
func (node *TrustNode) CreateIdentityHandler(w http.ResponseWriter, r *http.Request) {
	var id Identity
	if err := DecodeJSONBody(w, r, &id); err != nil {
		return
	}
	if id.CreatedAt == 0 {
		id.CreatedAt = node.clock.Now().Unix()
	}
	added, err := node.SubmitIdentity(id)
	writeSubmission(w, id.ID, added, err)
}

// CreateTransactionHandler records a completed exchange
func (node *TrustNode) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var tx Transaction
	if err := DecodeJSONBody(w, r, &tx); err != nil {
		return
	}
	added, err := node.SubmitTransaction(tx)
	writeSubmission(w, tx.ID, added, err)
}

// CreateVerificationHandler records a verification log
func (node *TrustNode) CreateVerificationHandler(w http.ResponseWriter, r *http.Request) {
	var v VerificationLog
	if err := DecodeJSONBody(w, r, &v); err != nil {
		return
	}
	added, err := node.SubmitVerificationLog(v)
	writeSubmission(w, v.ID, added, err)
}

// CreateAssertionHandler records a signed assertion
func (node *TrustNode) CreateAssertionHandler(w http.ResponseWriter, r *http.Request) {
	var a Assertion
	if err := DecodeJSONBody(w, r, &a); err != nil {
		return
	}
	added, err := node.SubmitAssertion(a)
	writeSubmission(w, a.ID, added, err)
}

// LedgerStatsHandler returns fact counts of the current snapshot
func (node *TrustNode) LedgerStatsHandler(w http.ResponseWriter, r *http.Request) {
	snap := node.Ledger.Snapshot()
	WriteSuccess(w, map[string]interface{}{
		"version": snap.Version,
		"counts":  snap.Stats(),
	})
}

// SubmitClaimHandler records a claim observed by a local client and relays it
func (node *TrustNode) SubmitClaimHandler(w http.ResponseWriter, r *http.Request) {
	var claim GossipClaim
	if err := DecodeJSONBody(w, r, &claim); err != nil {
		return
	}

	status, err := node.SubmitGossipClaim(r.Context(), claim)
	if errors.Is(err, ErrInvalidClaim) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidClaim, err.Error())
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	WriteSuccessStatus(w, http.StatusAccepted, map[string]interface{}{
		"txId":   claim.TxID,
		"status": status,
	})
}

// TransactionStatusHandler returns the detector verdict for a transaction
func (node *TrustNode) TransactionStatusHandler(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txId"]
	if !ValidateStringField(txID, MaxFactIDLength) {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, "invalid transaction ID")
		return
	}
	WriteSuccess(w, node.GetTransactionStatus(txID))
}

// CurrencyWeightHandler returns the weight at ?connectivity=, or at the measured connectivity
func (node *TrustNode) CurrencyWeightHandler(w http.ResponseWriter, r *http.Request) {
	c, present, err := floatParam(r, "connectivity")
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidParameter, err.Error())
		return
	}
	if !present {
		c = node.Connectivity.MeasureConnectivity()
	}
	WriteSuccess(w, map[string]interface{}{
		"connectivity":          c,
		"currencyWeight":        node.CurrencyWeight(c),
		"requiredConfirmations": node.Detector.RequiredConfirmations(c),
	})
}

// DetectorStatsHandler returns detector counters
func (node *TrustNode) DetectorStatsHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, node.Detector.Stats())
}

// GossipHandler accepts envelopes of one schema from peers
func (node *TrustNode) GossipHandler(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				WriteError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Payload Too Large")
				return
			}
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidBody, "Invalid request body")
			return
		}

		env, err := DecodeEnvelope(body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidEnvelope, err.Error())
			return
		}
		if env.Schema != schema {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidEnvelope, "unexpected schema "+env.Schema)
			return
		}

		accepted, err := node.ReceiveEnvelope(r.Context(), env)
		if err != nil {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidEnvelope, err.Error())
			return
		}
		WriteSuccess(w, map[string]interface{}{
			"messageId": env.MessageID,
			"accepted":  accepted,
		})
	}
}
