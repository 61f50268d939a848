// Package relayer implements the decryption relayer: it verifies
// signed, time-bounded authorization grants, checks per-handle access
// lists, and returns plaintexts sealed to the requester's ephemeral
// public key. It never learns the requester's long-term private key.
package relayer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/sync/errgroup"

	"github.com/veilgrid/veilgrid/pkg/authz"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// ClockSkew is the tolerance applied to a grant's start timestamp.
const ClockSkew = 5 * time.Minute

// Backend is the decryption authority behind the relayer: the
// coprocessor's ACL-gated plaintext recovery.
type Backend interface {
	Allowed(ctx context.Context, h fhe.Handle, grantee identity.Address) (bool, error)
	DecryptFor(ctx context.Context, h fhe.Handle, requester identity.Address) (uint8, error)
}

// ServerConfig configures a relayer Server.
type ServerConfig struct {
	Backend Backend // required
	ChainID uint64
	Logger  *slog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Server handles user-decrypt requests over HTTP.
type Server struct {
	backend Backend
	chainID uint64
	logger  *slog.Logger
	now     func() time.Time

	// aclCache holds positive access decisions. Grants are monotonic
	// (never revoked), so a positive entry never goes stale. Pure LRU,
	// no TTL.
	aclCache *lru.Cache[string, bool]
}

// NewServer creates a relayer server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	cache, err := lru.New[string, bool](10000)
	if err != nil {
		return nil, fmt.Errorf("create ACL cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		backend:  cfg.Backend,
		chainID:  cfg.ChainID,
		logger:   logger,
		now:      now,
		aclCache: cache,
	}, nil
}

// Routes returns the relayer's HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/user-decrypt", s.handleUserDecrypt)
	return mux
}

func (s *Server) handleUserDecrypt(w http.ResponseWriter, r *http.Request) {
	var req authz.UserDecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, NewGrantError(ErrCodeMalformed, err.Error()), req)
		return
	}

	ephPub, gerr := s.verifyGrant(r.Context(), &req)
	if gerr != nil {
		s.reject(w, gerr, req)
		return
	}

	results, err := s.decryptAndSeal(r.Context(), &req, ephPub)
	if err != nil {
		s.reject(w, NewGrantError(ErrCodeDecryptFailed, err.Error()), req)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(authz.UserDecryptResponse{Results: results}); err != nil {
		s.logger.Error("write user-decrypt response", "error", err)
	}
}

// reject logs the precise failure and answers with an opaque body, so
// rejection reasons cannot be probed from outside.
func (s *Server) reject(w http.ResponseWriter, gerr *GrantError, req authz.UserDecryptRequest) {
	s.logger.Warn("user-decrypt rejected",
		"code", gerr.Code,
		"detail", gerr.Message,
		"requester", req.Requester.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": "decryption request rejected"})
}

// verifyGrant runs the authorization pipeline: signature over the
// rebuilt typed message, time window, contract scope, handle ACLs.
func (s *Server) verifyGrant(ctx context.Context, req *authz.UserDecryptRequest) (*[32]byte, *GrantError) {
	if len(req.HandlePairs) == 0 {
		return nil, NewGrantError(ErrCodeMalformed, "no handles requested")
	}
	pubBytes, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pubBytes) != 32 {
		return nil, NewGrantError(ErrCodeMalformed, "bad ephemeral public key")
	}
	var ephPub [32]byte
	copy(ephPub[:], pubBytes)

	// Rebuild the exact message the identity signed. A submitted
	// ephemeral key different from the signed one changes the digest,
	// so substitution fails here.
	// Bound the duration before converting to time.Duration; a huge
	// DurationSeconds would overflow the nanosecond conversion.
	maxSeconds := uint64(authz.GrantValidity / time.Second)
	if req.DurationSeconds == 0 || req.DurationSeconds > maxSeconds {
		return nil, NewGrantError(ErrCodeMalformed,
			fmt.Sprintf("grant duration %ds outside (0, %ds]", req.DurationSeconds, maxSeconds))
	}
	start := time.Unix(int64(req.StartTimestamp), 0)
	duration := time.Duration(req.DurationSeconds) * time.Second
	message := authz.CreateAuthorizationMessage(ephPub, req.Contracts, start, duration, s.chainID)
	if err := identity.VerifyTypedData(req.Requester, message, req.Signature); err != nil {
		return nil, NewGrantError(ErrCodeBadSignature, err.Error())
	}

	now := s.now()
	if now.Before(start.Add(-ClockSkew)) {
		return nil, NewGrantError(ErrCodeNotYetValid,
			fmt.Sprintf("grant starts at %s", start))
	}
	if now.After(start.Add(duration)) {
		return nil, NewGrantError(ErrCodeExpired,
			fmt.Sprintf("grant expired at %s", start.Add(duration)))
	}

	inScope := make(map[identity.Address]bool, len(req.Contracts))
	for _, c := range req.Contracts {
		inScope[c] = true
	}
	for _, pair := range req.HandlePairs {
		if !inScope[pair.Contract] {
			return nil, NewGrantError(ErrCodeOutOfScope,
				fmt.Sprintf("contract %s not in grant scope", pair.Contract))
		}
		allowed, err := s.allowed(ctx, pair.Handle, req.Requester)
		if err != nil {
			return nil, NewGrantError(ErrCodeHandleNotAllowed, err.Error())
		}
		if !allowed {
			return nil, NewGrantError(ErrCodeHandleNotAllowed,
				fmt.Sprintf("handle %s not granted to %s", pair.Handle, req.Requester))
		}
	}
	return &ephPub, nil
}

// allowed checks the handle ACL, caching positive decisions.
func (s *Server) allowed(ctx context.Context, h fhe.Handle, requester identity.Address) (bool, error) {
	key := string(h) + "|" + requester.String()
	if ok, hit := s.aclCache.Get(key); hit && ok {
		return true, nil
	}
	allowed, err := s.backend.Allowed(ctx, h, requester)
	if err != nil {
		return false, err
	}
	if allowed {
		s.aclCache.Add(key, true)
	}
	return allowed, nil
}

// decryptAndSeal recovers each plaintext and seals it to the ephemeral
// public key, fanning out across handles.
func (s *Server) decryptAndSeal(ctx context.Context, req *authz.UserDecryptRequest, ephPub *[32]byte) (map[fhe.Handle]string, error) {
	results := make(map[fhe.Handle]string, len(req.HandlePairs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range req.HandlePairs {
		pair := pair
		g.Go(func() error {
			plain, err := s.backend.DecryptFor(gctx, pair.Handle, req.Requester)
			if err != nil {
				return fmt.Errorf("decrypt %s: %w", pair.Handle, err)
			}
			sealed, err := box.SealAnonymous(nil, []byte{plain}, ephPub, rand.Reader)
			if err != nil {
				return fmt.Errorf("seal %s: %w", pair.Handle, err)
			}
			mu.Lock()
			results[pair.Handle] = base64.StdEncoding.EncodeToString(sealed)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
