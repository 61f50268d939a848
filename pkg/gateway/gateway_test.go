package gateway_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilgrid/veilgrid/internal/coproc"
	"github.com/veilgrid/veilgrid/internal/storage/sqlite"
	"github.com/veilgrid/veilgrid/pkg/audit"
	"github.com/veilgrid/veilgrid/pkg/encryptor"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/gateway"
	"github.com/veilgrid/veilgrid/pkg/identity"
	"github.com/veilgrid/veilgrid/pkg/ledger"
)

const testChainID = 31337

type fixture struct {
	ledger *ledger.PositionLedger
	client *encryptor.Client
	hub    *gateway.Hub
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	var rootKey [32]byte
	_, err := rand.Read(rootKey[:])
	require.NoError(t, err)

	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cp, err := coproc.New(coproc.Config{
		RootKey:     rootKey,
		Ciphertexts: dssync.MutexWrap(datastore.NewMapDatastore()),
		Access:      store,
	})
	require.NoError(t, err)

	log, err := audit.NewLog(ctx, store, nil)
	require.NoError(t, err)

	contractSigner, err := identity.GenerateSigner()
	require.NoError(t, err)

	hub := gateway.NewHub(nil)
	led, err := ledger.New(ledger.Config{
		Contract: contractSigner.Address(),
		Ops:      cp,
		Store:    store,
		Audit:    log,
		Notifier: hub,
	})
	require.NoError(t, err)

	srv, err := gateway.NewServer(gateway.ServerConfig{
		Ledger:  led,
		Audit:   log,
		Hub:     hub,
		ChainID: testChainID,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{
		ledger: led,
		client: encryptor.NewClient(cp.InputPublicKey()),
		hub:    hub,
		server: ts,
	}
}

func signCall(t *testing.T, f *fixture, signer *identity.Signer, action string) string {
	t.Helper()
	msg := gateway.CreateCallMessage(action, f.ledger.ContractAddress(), signer.Address(), testChainID)
	sig, err := signer.SignTypedData(msg)
	require.NoError(t, err)
	return sig
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func join(t *testing.T, f *fixture, signer *identity.Signer) *http.Response {
	t.Helper()
	return postJSON(t, f.server.URL+"/v1/join", map[string]any{
		"address":   signer.Address().String(),
		"signature": signCall(t, f, signer, "join"),
	})
}

func TestGateway_JoinMoveGetFlow(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	resp := join(t, f, signer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	in, err := f.client.EncryptPair(f.ledger.ContractAddress(), signer.Address(), 4, 9)
	require.NoError(t, err)
	resp = postJSON(t, f.server.URL+"/v1/move", map[string]any{
		"address":   signer.Address().String(),
		"signature": signCall(t, f, signer, "move"),
		"input":     in,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/positions/" + signer.Address().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pos struct {
		X      fhe.Handle `json:"x"`
		Y      fhe.Handle `json:"y"`
		Active bool       `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pos))
	assert.True(t, pos.Active)
	assert.NoError(t, pos.X.Validate())
	assert.NoError(t, pos.Y.Validate())
}

func TestGateway_JoinTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	resp := join(t, f, signer)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = join(t, f, signer)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGateway_MoveBeforeJoinNotFound(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	in, err := f.client.EncryptPair(f.ledger.ContractAddress(), signer.Address(), 2, 2)
	require.NoError(t, err)
	resp := postJSON(t, f.server.URL+"/v1/move", map[string]any{
		"address":   signer.Address().String(),
		"signature": signCall(t, f, signer, "move"),
		"input":     in,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_BadCallSignatureUnauthorized(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	other, err := identity.GenerateSigner()
	require.NoError(t, err)

	// Signature by a different identity over the same call.
	resp := postJSON(t, f.server.URL+"/v1/join", map[string]any{
		"address":   signer.Address().String(),
		"signature": signCall(t, f, other, "join"),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_GetPositionUnknownPlayer(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/v1/positions/" + signer.Address().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_GridBounds(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/grid")
	require.NoError(t, err)
	defer resp.Body.Close()

	var grid map[string]uint8
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grid))
	assert.Equal(t, uint8(1), grid["min"])
	assert.Equal(t, uint8(10), grid["max"])
}

func TestGateway_CheckpointAndProof(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	resp := join(t, f, signer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/checkpoint")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cp struct {
		Size uint64 `json:"size"`
		Root string `json:"root"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cp))
	assert.Equal(t, uint64(1), cp.Size)
	assert.NotEmpty(t, cp.Root)

	resp, err = http.Get(f.server.URL + "/v1/log/0/proof")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/log/5/proof")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_BroadcastsToSubscribers(t *testing.T) {
	f := newFixture(t)
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	ch := f.hub.Subscribe()
	defer f.hub.Unsubscribe(ch)

	resp := join(t, f, signer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case raw := <-ch:
		var ev struct {
			Kind    string `json:"kind"`
			Address string `json:"address"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, string(audit.KindJoined), ev.Kind)
		assert.Equal(t, signer.Address().String(), ev.Address)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
