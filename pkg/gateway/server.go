// Package gateway exposes the position ledger over HTTP: join/move
// submission, permissionless handle reads, audit checkpoints and
// inclusion proofs, and a websocket event feed.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/veilgrid/veilgrid/pkg/audit"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
	"github.com/veilgrid/veilgrid/pkg/ledger"
)

// CallPrimaryType is the typed-message shape that authenticates join
// and move submissions. This gateway stands in for real transaction
// broadcast, which is out of scope; replay protection belongs to that
// layer.
const CallPrimaryType = "LedgerCall"

// CreateCallMessage builds the typed message a caller signs to invoke
// a ledger operation through the gateway.
func CreateCallMessage(action string, contract, caller identity.Address, chainID uint64) identity.TypedData {
	return identity.TypedData{
		Domain: identity.Domain{
			Name:              "VeilGrid",
			Version:           "1",
			ChainID:           chainID,
			VerifyingContract: contract.String(),
		},
		Types: map[string][]identity.Field{
			CallPrimaryType: {
				{Name: "action", Type: "string"},
				{Name: "caller", Type: "address"},
			},
		},
		PrimaryType: CallPrimaryType,
		Message: map[string]any{
			"action": action,
			"caller": caller.String(),
		},
	}
}

// Server is the gateway HTTP server.
type Server struct {
	ledger  *ledger.PositionLedger
	log     *audit.Log
	hub     *Hub
	chainID uint64
	logger  *slog.Logger
}

// ServerConfig configures a gateway Server.
type ServerConfig struct {
	Ledger  *ledger.PositionLedger // required
	Audit   *audit.Log             // required
	Hub     *Hub                   // required
	ChainID uint64
	Logger  *slog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit log is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("event hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:  cfg.Ledger,
		log:     cfg.Audit,
		hub:     cfg.Hub,
		chainID: cfg.ChainID,
		logger:  logger,
	}, nil
}

// Routes returns the gateway's HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/join", s.handleJoin)
	mux.HandleFunc("POST /v1/move", s.handleMove)
	mux.HandleFunc("GET /v1/positions/{address}", s.handleGetPosition)
	mux.HandleFunc("GET /v1/grid", s.handleGrid)
	mux.HandleFunc("GET /v1/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("GET /v1/log/{index}/proof", s.handleInclusionProof)
	mux.HandleFunc("GET /v1/events", s.hub.ServeWS)
	return mux
}

type joinRequest struct {
	Address   identity.Address `json:"address"`
	Signature string           `json:"signature"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if !s.authenticate(w, "join", req.Address, req.Signature) {
		return
	}

	err := s.ledger.Join(r.Context(), req.Address)
	if errors.Is(err, ledger.ErrAlreadyJoined) {
		http.Error(w, "player already joined", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("join failed", "address", req.Address.String(), "error", err)
		http.Error(w, "join failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"joined": true})
}

type moveRequest struct {
	Address   identity.Address   `json:"address"`
	Signature string             `json:"signature"`
	Input     fhe.EncryptedInput `json:"input"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if !s.authenticate(w, "move", req.Address, req.Signature) {
		return
	}

	err := s.ledger.Move(r.Context(), req.Address, req.Input)
	switch {
	case errors.Is(err, ledger.ErrNotRegistered):
		http.Error(w, "player not registered", http.StatusNotFound)
		return
	case errors.Is(err, fhe.ErrInvalidProof):
		http.Error(w, "invalid input proof", http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("move failed", "address", req.Address.String(), "error", err)
		http.Error(w, "move failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"moved": true})
}

// authenticate verifies the caller's signed call message. Returns false
// after writing the error response.
func (s *Server) authenticate(w http.ResponseWriter, action string, caller identity.Address, sig string) bool {
	message := CreateCallMessage(action, s.ledger.ContractAddress(), caller, s.chainID)
	if err := identity.VerifyTypedData(caller, message, sig); err != nil {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return false
	}
	return true
}

type positionResponse struct {
	X      fhe.Handle `json:"x"`
	Y      fhe.Handle `json:"y"`
	Active bool       `json:"active"`
}

// handleGetPosition serves ciphertext handles to any caller. The
// handles are useless without a decryption grant; serving them openly
// is the intended auditability property.
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(r.PathValue("address"))
	if err != nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}

	x, y, err := s.ledger.GetPosition(r.Context(), addr)
	if errors.Is(err, ledger.ErrNotRegistered) {
		http.Error(w, "player not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get position failed", "address", addr.String(), "error", err)
		http.Error(w, "get position failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, positionResponse{X: x, Y: y, Active: true})
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	min, max := s.ledger.GridBounds()
	writeJSON(w, map[string]uint8{"min": min, "max": max})
}

type checkpointResponse struct {
	Size uint64 `json:"size"`
	Root string `json:"root"` // hex
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.log.Checkpoint()
	if err != nil {
		s.logger.Error("checkpoint failed", "error", err)
		http.Error(w, "checkpoint failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, checkpointResponse{Size: cp.Size, Root: fmt.Sprintf("%x", cp.Root)})
}

type proofResponse struct {
	Index    uint64   `json:"index"`
	TreeSize uint64   `json:"treeSize"`
	LeafHash string   `json:"leafHash"` // hex
	Proof    []string `json:"proof"`    // hex audit path
}

func (s *Server) handleInclusionProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}

	leafHash, path, err := s.log.InclusionProof(index)
	if err != nil {
		http.Error(w, "index out of range", http.StatusNotFound)
		return
	}

	resp := proofResponse{
		Index:    index,
		TreeSize: s.log.Size(),
		LeafHash: fmt.Sprintf("%x", leafHash),
	}
	for _, p := range path {
		resp.Proof = append(resp.Proof, fmt.Sprintf("%x", p))
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
