package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ticketing/internal/blockchain"
	"ticketing/internal/settlement"
	"ticketing/internal/storage"
)

type userView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	PublicKey           string `json:"public_key"`
	CredentialState     string `json:"credential_state"`
	HasMasterCredential bool   `json:"has_master_credential"`
	EventName           string `json:"event_name,omitempty"`
	HasEventCredential  bool   `json:"has_event_credential"`
}

func viewUser(u *storage.User) userView {
	return userView{
		ID:                  u.ID,
		Name:                u.Name,
		PublicKey:           u.PublicKey,
		CredentialState:     string(u.CredentialState),
		HasMasterCredential: u.MasterCredential != "",
		EventName:           u.EventName,
		HasEventCredential:  u.EventCredential != "",
	}
}

type receiptView struct {
	TxCount    string  `json:"tx_count"`
	Event      string  `json:"event"`
	NumTickets int     `json:"num_tickets"`
	Amount     float64 `json:"amount"`
}

type ackView struct {
	TxCount string `json:"tx_count"`
	Event   string `json:"event"`
}

func viewAck(a blockchain.Ack) ackView { return ackView{TxCount: a.TxCount, Event: a.Event} }

type resultView struct {
	PoolKey    string `json:"pool_key"`
	Outcome    string `json:"outcome"`
	TxType     string `json:"tx_type,omitempty"`
	EventName  string `json:"event_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
	KeyDeleted bool   `json:"key_deleted"`
}

type reportView struct {
	BatchID   string       `json:"batch_id"`
	Settled   int          `json:"settled"`
	Failed    int          `json:"failed"`
	Malformed int          `json:"malformed"`
	Cleared   []string     `json:"cleared,omitempty"`
	Uncleared []string     `json:"uncleared,omitempty"`
	Results   []resultView `json:"results"`
}

func viewReport(r settlement.BatchReport) reportView {
	v := reportView{
		BatchID:   r.BatchID,
		Settled:   r.Count(storage.SettledOutcome),
		Failed:    r.Count(storage.FailedOutcome),
		Malformed: r.Count(storage.MalformedOutcome),
		Cleared:   r.Cleared,
		Uncleared: r.Uncleared,
		Results:   make([]resultView, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		v.Results = append(v.Results, resultView{
			PoolKey:    res.PoolKey,
			Outcome:    res.Outcome,
			TxType:     string(res.TxType),
			EventName:  res.EventName,
			Reason:     res.Reason,
			KeyDeleted: res.KeyDeleted,
		})
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.PublicKey) == "" {
		badRequest(w, r, "name and public_key are required")
		return
	}

	user := &storage.User{ID: req.ID, Name: req.Name, PublicKey: req.PublicKey}
	if err := s.users.CreateUser(user); err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, viewUser(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetUser(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, viewUser(user))
}

func (s *Server) handleIssueMasterCredential(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			badRequest(w, r, err.Error())
			return
		}
	}

	user, err := s.credentials.RequestMasterCredential(r.Context(), userID, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, viewUser(user))
}

func (s *Server) handleAuthEventTx(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		EventName string `json:"event_name"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.EventName == "" {
		badRequest(w, r, "event_name is required")
		return
	}

	auth, err := s.credentials.Authorize(r.Context(), userID, req.EventName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{"verified": true, "event_name": auth.EventName})
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Message == "" {
		badRequest(w, r, "message is required")
		return
	}

	encrypted, err := s.cipher.Encrypt(r.Context(), req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"encrypted_message": encrypted})
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedMessage string `json:"encrypted_message"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.EncryptedMessage == "" {
		badRequest(w, r, "encrypted_message is required")
		return
	}

	message, err := s.cipher.Decrypt(r.Context(), req.EncryptedMessage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"message": message})
}

type ticketRequest struct {
	EventName  string  `json:"event_name"`
	NumTickets int     `json:"num_tickets"`
	Payment    float64 `json:"payment,omitempty"`
	Price      float64 `json:"price,omitempty"`
}

func (req ticketRequest) check() error {
	switch {
	case req.EventName == "":
		return errors.New("event_name is required")
	case req.NumTickets <= 0:
		return errors.New("num_tickets must be positive")
	case req.Payment < 0 || req.Price < 0:
		return errors.New("amounts must not be negative")
	}
	return nil
}

// ticketCall decodes and checks a ticket request for the calling user.
func ticketCall(w http.ResponseWriter, r *http.Request) (string, ticketRequest, bool) {
	userID, ok := caller(w, r)
	if !ok {
		return "", ticketRequest{}, false
	}
	var req ticketRequest
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return "", ticketRequest{}, false
	}
	if err := req.check(); err != nil {
		badRequest(w, r, err.Error())
		return "", ticketRequest{}, false
	}
	return userID, req, true
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := ticketCall(w, r)
	if !ok {
		return
	}

	receipt, err := s.tickets.Buy(r.Context(), userID, req.EventName, req.NumTickets, req.Payment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, receiptView{
		TxCount:    receipt.TxCount,
		Event:      receipt.Event,
		NumTickets: receipt.NumTickets,
		Amount:     receipt.Amount,
	})
}

func (s *Server) handleUseTicket(w http.ResponseWriter, r *http.Request) {
	userID, req, ok := ticketCall(w, r)
	if !ok {
		return
	}

	ack, err := s.tickets.UseTicket(r.Context(), userID, req.EventName, req.NumTickets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, viewAck(ack))
}

// handleSubmit places a resale offer or a rebuy order in the pending pool.
// Execution happens at the next settlement, so the answer only carries the
// pool key.
func (s *Server) handleSubmit(txType settlement.TxType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, req, ok := ticketCall(w, r)
		if !ok {
			return
		}

		submit := s.tickets.Resell
		if txType == settlement.Rebuy {
			submit = s.tickets.Rebuy
		}

		key, err := submit(r.Context(), userID, req.EventName, req.NumTickets, req.Price)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeSuccess(w, r, http.StatusAccepted, map[string]string{"pool_key": key, "tx_type": string(txType)})
	}
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	report, err := s.tickets.Settle(r.Context())
	switch {
	case err == nil:
		writeSuccess(w, r, http.StatusOK, viewReport(report))
	case errors.Is(err, settlement.ErrPartialBatch):
		writeError(w, r, http.StatusOK, "PARTIAL_BATCH", viewReport(report))
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleHandleResales(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	ack, err := s.tickets.HandleResales(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, viewAck(ack))
}

func (s *Server) handleInitEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Name           string  `json:"name"`
		NumTickets     int     `json:"num_tickets"`
		Price          float64 `json:"price"`
		MaxResalePrice float64 `json:"max_resale_price"`
		ResaleRoyalty  float64 `json:"resale_royalty"`
	}
	if err := readJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Name == "" || req.NumTickets <= 0 {
		badRequest(w, r, "name and a positive num_tickets are required")
		return
	}

	ack, err := s.tickets.InitEvent(r.Context(), userID, blockchain.EventSpec{
		Name:           req.Name,
		NumTickets:     req.NumTickets,
		Price:          req.Price,
		MaxResalePrice: req.MaxResalePrice,
		ResaleRoyalty:  req.ResaleRoyalty,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, viewAck(ack))
}

func (s *Server) handleReadEvent(w http.ResponseWriter, r *http.Request) {
	state, err := s.tickets.ReadEvent(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, state)
}

func (s *Server) handleListValues(w http.ResponseWriter, r *http.Request) {
	entries, err := s.values.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]string{"key": e.Key, "value": e.Value})
	}
	writeSuccess(w, r, http.StatusOK, out)
}
