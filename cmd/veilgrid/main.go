package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veilgrid/veilgrid/internal/coproc"
	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/audit"
	"github.com/veilgrid/veilgrid/pkg/gateway"
	"github.com/veilgrid/veilgrid/pkg/identity"
	"github.com/veilgrid/veilgrid/pkg/ledger"
	"github.com/veilgrid/veilgrid/pkg/relayer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("veilgrid exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rootKey, err := loadRootKey(ctx, store)
	if err != nil {
		return fmt.Errorf("load root key: %w", err)
	}
	contractSigner, err := loadContractSigner(ctx, store)
	if err != nil {
		return fmt.Errorf("load contract key: %w", err)
	}

	cp, err := coproc.New(coproc.Config{
		RootKey:     rootKey,
		Ciphertexts: store.Ciphertexts(),
		Access:      store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	log, err := audit.NewLog(ctx, store, logger)
	if err != nil {
		return err
	}

	hub := gateway.NewHub(logger)

	led, err := ledger.New(ledger.Config{
		Contract: contractSigner.Address(),
		Ops:      cp,
		Store:    store,
		Audit:    log,
		Notifier: hub,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.NewServer(gateway.ServerConfig{
		Ledger:  led,
		Audit:   log,
		Hub:     hub,
		ChainID: cfg.ChainID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	rl, err := relayer.NewServer(relayer.ServerConfig{
		Backend: cp,
		ChainID: cfg.ChainID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	inputKey := cp.InputPublicKey()
	logger.Info("veilgrid starting",
		"contract", contractSigner.Address(),
		"input_key", base64.StdEncoding.EncodeToString(inputKey[:]),
		"audit_size", log.Size(),
		"gateway", cfg.Listen,
		"relayer", cfg.RelayerListen,
		"chain_id", cfg.ChainID)

	gatewaySrv := &http.Server{Addr: cfg.Listen, Handler: gw.Routes()}
	relayerSrv := &http.Server{Addr: cfg.RelayerListen, Handler: rl.Routes()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gatewaySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relayerSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relayer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := gatewaySrv.Shutdown(shutdownCtx)
		if rerr := relayerSrv.Shutdown(shutdownCtx); err == nil {
			err = rerr
		}
		return err
	})
	return g.Wait()
}

// loadRootKey resolves the ciphertext root key: the VEILGRID_ROOT_KEY
// environment variable wins, otherwise the key persisted alongside the
// ledger state is reused so sealed envelopes stay readable across
// restarts, otherwise a fresh key is generated and persisted.
func loadRootKey(ctx context.Context, store *sqlite.Store) ([32]byte, error) {
	var key [32]byte

	if env := os.Getenv("VEILGRID_ROOT_KEY"); env != "" {
		raw, err := base64.StdEncoding.DecodeString(env)
		if err != nil {
			return key, fmt.Errorf("decode VEILGRID_ROOT_KEY: %w", err)
		}
		if len(raw) != len(key) {
			return key, fmt.Errorf("VEILGRID_ROOT_KEY must be %d bytes, got %d", len(key), len(raw))
		}
		copy(key[:], raw)
		return key, nil
	}

	stored, err := store.GetMeta(ctx, "root_key")
	if err == nil {
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil || len(raw) != len(key) {
			return key, fmt.Errorf("stored root key is corrupt")
		}
		copy(key[:], raw)
		return key, nil
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return key, err
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := store.SetMeta(ctx, "root_key", base64.StdEncoding.EncodeToString(key[:])); err != nil {
		return key, err
	}
	return key, nil
}

// loadContractSigner resolves the ledger's identity the same way:
// VEILGRID_CONTRACT_KEY (base64 Ed25519 private key), then the
// persisted key, then a freshly generated one.
func loadContractSigner(ctx context.Context, store *sqlite.Store) (*identity.Signer, error) {
	if env := os.Getenv("VEILGRID_CONTRACT_KEY"); env != "" {
		raw, err := base64.StdEncoding.DecodeString(env)
		if err != nil {
			return nil, fmt.Errorf("decode VEILGRID_CONTRACT_KEY: %w", err)
		}
		return identity.NewSigner(ed25519.PrivateKey(raw))
	}

	stored, err := store.GetMeta(ctx, "contract_key")
	if err == nil {
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("stored contract key is corrupt")
		}
		return identity.NewSigner(ed25519.PrivateKey(raw))
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := store.SetMeta(ctx, "contract_key", base64.StdEncoding.EncodeToString(priv)); err != nil {
		return nil, err
	}
	return identity.NewSigner(priv)
}
