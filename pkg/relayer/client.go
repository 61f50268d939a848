package relayer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/veilgrid/veilgrid/pkg/authz"
	"github.com/veilgrid/veilgrid/pkg/fhe"
	"github.com/veilgrid/veilgrid/pkg/identity"
)

// Client is the HTTP client side of the relayer exchange. It satisfies
// authz.Decrypter.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a relayer client. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// UserDecrypt submits the authorization and handle list, then opens
// each sealed result with the ephemeral private key. The private key
// is used locally only; it is never transmitted.
func (c *Client) UserDecrypt(
	ctx context.Context,
	pairs []authz.HandlePair,
	privateKey, publicKey [32]byte,
	signature string,
	contracts []identity.Address,
	requester identity.Address,
	start time.Time,
	duration time.Duration,
) (map[fhe.Handle]uint8, error) {
	req := authz.UserDecryptRequest{
		HandlePairs:     pairs,
		PublicKey:       hex.EncodeToString(publicKey[:]),
		Signature:       signature,
		Contracts:       contracts,
		Requester:       requester,
		StartTimestamp:  uint64(start.Unix()),
		DurationSeconds: uint64(duration / time.Second),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/user-decrypt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relayer round-trip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("relayer rejected request (status %d)", resp.StatusCode)
	}

	var decoded authz.UserDecryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	plaintexts := make(map[fhe.Handle]uint8, len(decoded.Results))
	for h, b64 := range decoded.Results {
		sealed, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode sealed result for %s: %w", h, err)
		}
		plain, ok := box.OpenAnonymous(nil, sealed, &publicKey, &privateKey)
		if !ok || len(plain) != 1 {
			return nil, fmt.Errorf("sealed result for %s does not open", h)
		}
		plaintexts[h] = plain[0]
	}
	return plaintexts, nil
}

var _ authz.Decrypter = (*Client)(nil)
