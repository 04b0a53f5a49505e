package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"solescrow/auth"
	"solescrow/escrow"
	"solescrow/relay"
)

// fakeNode scripts a single endpoint's behaviour.
type fakeNode struct {
	mu sync.Mutex

	blockhash    relay.Blockhash
	blockhashErr error

	account    relay.Account
	accountErr error

	sendSig string
	sendErr error

	status    relay.SignatureStatus
	statusErr error

	height uint64

	simulation relay.Simulation

	calls map[string]int
}

func newFakeNode() *fakeNode {
	return &fakeNode{calls: make(map[string]int)}
}

func (f *fakeNode) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeNode) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeNode) LatestBlockhash(ctx context.Context) (relay.Blockhash, error) {
	f.record("getLatestBlockhash")
	return f.blockhash, f.blockhashErr
}

func (f *fakeNode) Balance(ctx context.Context, address string) (uint64, error) {
	f.record("getBalance")
	if f.accountErr != nil {
		return 0, f.accountErr
	}
	return f.account.Lamports, nil
}

func (f *fakeNode) AccountInfo(ctx context.Context, address string) (relay.Account, error) {
	f.record("getAccountInfo")
	return f.account, f.accountErr
}

func (f *fakeNode) SendRawTransaction(ctx context.Context, raw []byte, opts relay.SendOptions) (string, error) {
	f.record("sendRawTransaction")
	return f.sendSig, f.sendErr
}

func (f *fakeNode) SignatureStatus(ctx context.Context, signature string) (relay.SignatureStatus, error) {
	f.record("getSignatureStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeNode) BlockHeight(ctx context.Context) (uint64, error) {
	f.record("getBlockHeight")
	return f.height, nil
}

func (f *fakeNode) SimulateTransaction(ctx context.Context, raw []byte) (relay.Simulation, error) {
	f.record("simulateTransaction")
	return f.simulation, nil
}

type inProgressProjects struct{}

func (inProgressProjects) ProjectStatus(ctx context.Context, projectID string) (string, error) {
	return escrow.ProjectStatusInProgress, nil
}

type testHarness struct {
	server        *Server
	node          *fakeNode
	store         *escrow.GormStore
	authenticator *auth.Authenticator
}

func newHarness(t *testing.T, nodes map[string]relay.Client, order ...string) *testHarness {
	t.Helper()
	pool, err := relay.NewPoolWithClients(nodes, order)
	require.NoError(t, err)
	exec := relay.NewExecutor(pool, nil)
	submitter := relay.NewSubmitter(exec, nil)
	poller := relay.NewPoller(exec, 5, time.Millisecond, relay.CommitmentConfirmed, nil)

	authenticator, err := auth.NewAuthenticator([]byte("test-secret"), time.Minute, 128, nil, nil)
	require.NoError(t, err)

	store, err := escrow.OpenStore(filepath.Join(t.TempDir(), "relayd.db"))
	require.NoError(t, err)
	engine := escrow.NewEngine(store, inProgressProjects{}, submitter, poller, authenticator, nil)

	server := NewServer(exec, submitter, engine, authenticator, store, 5, time.Millisecond, relay.CommitmentConfirmed, nil)
	return &testHarness{server: server, store: store, authenticator: authenticator}
}

func newSingleNodeHarness(t *testing.T) *testHarness {
	t.Helper()
	node := newFakeNode()
	node.blockhash = relay.Blockhash{Hash: "primary-hash", LastValidBlockHeight: 150}
	node.sendSig = "broadcast-sig"
	node.status = relay.SignatureStatus{Found: true, Slot: 99, Level: relay.CommitmentConfirmed}
	h := newHarness(t, map[string]relay.Client{"https://primary.example.com": node}, "https://primary.example.com")
	h.node = node
	return h
}

func postJSON(t *testing.T, server *Server, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func signedTransactionBase64(t *testing.T) string {
	t.Helper()
	from := solana.NewWallet()
	to := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(
				solana.SystemProgramID,
				solana.AccountMetaSlice{
					{PublicKey: from.PublicKey(), IsSigner: true, IsWritable: true},
					{PublicKey: to.PublicKey(), IsSigner: false, IsWritable: true},
				},
				[]byte{2, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0},
			),
		},
		solana.Hash{},
		solana.TransactionPayer(from.PublicKey()),
	)
	require.NoError(t, err)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(from.PublicKey()) {
			return &from.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBlockhashUsesPrimaryOnly(t *testing.T) {
	primary := newFakeNode()
	primary.blockhash = relay.Blockhash{Hash: "primary-hash", LastValidBlockHeight: 150}
	fallback := newFakeNode()
	fallback.blockhash = relay.Blockhash{Hash: "fallback-hash", LastValidBlockHeight: 150}

	h := newHarness(t, map[string]relay.Client{
		"https://primary.example.com":  primary,
		"https://fallback.example.com": fallback,
	}, "https://primary.example.com", "https://fallback.example.com")

	rec := postJSON(t, h.server, "/blockhash", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "primary-hash", body["blockhash"])
	require.Equal(t, float64(150), body["lastValidBlockHeight"])
	require.Zero(t, fallback.callCount("getLatestBlockhash"))
}

func TestAccountBalanceFailsOverToFallback(t *testing.T) {
	primary := newFakeNode()
	primary.accountErr = fmt.Errorf("connection refused")
	fallback := newFakeNode()
	fallback.account = relay.Account{Exists: true, Lamports: 2_500_000_000, Owner: "11111111111111111111111111111111"}

	h := newHarness(t, map[string]relay.Client{
		"https://primary.example.com":  primary,
		"https://fallback.example.com": fallback,
	}, "https://primary.example.com", "https://fallback.example.com")

	rec := postJSON(t, h.server, "/account-balance", map[string]string{"address": solana.NewWallet().PublicKey().String()}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, float64(2_500_000_000), body["balance"])
	require.Equal(t, 2.5, body["balanceSOL"])
	require.Equal(t, true, body["accountExists"])
}

func TestVerifyTransactionSingleShot(t *testing.T) {
	h := newSingleNodeHarness(t)
	rec := postJSON(t, h.server, "/verify-transaction", map[string]string{"signature": "some-sig"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["confirmed"])
	require.Equal(t, "confirmed", body["confirmationStatus"])
	require.Equal(t, 1, h.node.callCount("getSignatureStatus"))
}

func TestConfirmTransactionBlocksUntilConfirmed(t *testing.T) {
	h := newSingleNodeHarness(t)
	rec := postJSON(t, h.server, "/confirm-transaction", map[string]any{
		"signature":            "some-sig",
		"blockhash":            "primary-hash",
		"lastValidBlockHeight": 150,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["confirmed"])
	require.Equal(t, float64(99), body["slot"])
}

func TestSendTransactionRejectsOversizeWithoutNetworkCall(t *testing.T) {
	h := newSingleNodeHarness(t)
	oversize := base64.StdEncoding.EncodeToString(make([]byte, relay.MaxTransactionSize+1))
	rec := postJSON(t, h.server, "/send-transaction", map[string]any{"transaction": oversize}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, h.node.callCount("sendRawTransaction"))
	require.Zero(t, h.node.callCount("simulateTransaction"))
}

func TestSendTransactionBroadcasts(t *testing.T) {
	h := newSingleNodeHarness(t)
	rec := postJSON(t, h.server, "/send-transaction", map[string]any{
		"transaction": signedTransactionBase64(t),
		"options":     map[string]any{"skipPreflight": true},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "broadcast-sig", body["signature"])
}

func TestCORSPreflight(t *testing.T) {
	h := newSingleNodeHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/send-transaction", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func createFundedEscrow(t *testing.T, h *testHarness, client string) string {
	t.Helper()
	rec := postJSON(t, h.server, "/escrow", map[string]any{
		"projectId":     "project-1",
		"clientWallet":  client,
		"amount":        1_000_000_000,
		"platformFee":   50_000_000,
		"escrowAccount": solana.NewWallet().PublicKey().String(),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = postJSON(t, h.server, "/escrow/"+id+"/fund", map[string]string{"signature": "funding-sig"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "funded", decodeBody(t, rec)["status"])
	return id
}

func signedChallenge(t *testing.T, h *testHarness, wallet *solana.Wallet) (token, signature string) {
	t.Helper()
	rec := postJSON(t, h.server, "/challenge", map[string]string{"wallet": wallet.PublicKey().String()}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	message := body["message"].(string)
	sig, err := wallet.PrivateKey.Sign([]byte(message))
	require.NoError(t, err)
	return body["token"].(string), sig.String()
}

func TestReleaseFlow(t *testing.T) {
	h := newSingleNodeHarness(t)
	client := solana.NewWallet()
	id := createFundedEscrow(t, h, client.PublicKey().String())

	// A request from a different wallet is rejected outright.
	imposter := solana.NewWallet()
	impToken, impSig := signedChallenge(t, h, imposter)
	rec := postJSON(t, h.server, "/escrow/"+id+"/release", map[string]string{
		"wallet":      imposter.PublicKey().String(),
		"token":       impToken,
		"signature":   impSig,
		"transaction": signedTransactionBase64(t),
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	getRec := httptest.NewRecorder()
	h.server.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/escrow/"+id, nil))
	require.Equal(t, "funded", decodeBody(t, getRec)["status"])

	// The recorded client with a signed fresh challenge succeeds.
	token, sig := signedChallenge(t, h, client)
	rec = postJSON(t, h.server, "/escrow/"+id+"/release", map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token,
		"signature":   sig,
		"transaction": signedTransactionBase64(t),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "released", body["status"])
	require.Equal(t, "broadcast-sig", body["transactionSignature"])
	require.NotEmpty(t, body["releasedAt"])
	require.Equal(t, 1, h.node.callCount("sendRawTransaction"))

	// A second release is rejected and never broadcasts again.
	token2, sig2 := signedChallenge(t, h, client)
	rec = postJSON(t, h.server, "/escrow/"+id+"/release", map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token2,
		"signature":   sig2,
		"transaction": signedTransactionBase64(t),
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 1, h.node.callCount("sendRawTransaction"))
}

func TestReleaseIdempotencyKeyReplay(t *testing.T) {
	h := newSingleNodeHarness(t)
	client := solana.NewWallet()
	id := createFundedEscrow(t, h, client.PublicKey().String())

	token, sig := signedChallenge(t, h, client)
	payload := map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token,
		"signature":   sig,
		"transaction": signedTransactionBase64(t),
	}
	headers := map[string]string{"Idempotency-Key": "release-once"}

	first := postJSON(t, h.server, "/escrow/"+id+"/release", payload, headers)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, 1, h.node.callCount("sendRawTransaction"))

	// The replay returns the stored response; nothing touches the ledger.
	second := postJSON(t, h.server, "/escrow/"+id+"/release", payload, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, 1, h.node.callCount("sendRawTransaction"))
}

func TestRetryWithSameKeySucceedsAfterUnknownOutcome(t *testing.T) {
	node := newFakeNode()
	node.sendSig = "broadcast-sig"
	node.status = relay.SignatureStatus{} // first attempt never confirms
	h := newHarness(t, map[string]relay.Client{"https://primary.example.com": node}, "https://primary.example.com")
	h.node = node
	client := solana.NewWallet()

	esc := &escrow.Escrow{
		ProjectID:     "project-1",
		ClientWallet:  client.PublicKey().String(),
		Amount:        10,
		TotalLocked:   10,
		EscrowAccount: solana.NewWallet().PublicKey().String(),
		Status:        escrow.StatusFunded,
	}
	require.NoError(t, h.store.Create(context.Background(), esc))

	headers := map[string]string{"Idempotency-Key": "release-retry"}
	token, sig := signedChallenge(t, h, client)
	first := postJSON(t, h.server, "/escrow/"+esc.ID.String()+"/release", map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token,
		"signature":   sig,
		"transaction": signedTransactionBase64(t),
	}, headers)
	require.Equal(t, http.StatusGatewayTimeout, first.Code)

	// The unknown outcome must not pin the key: once the ledger answers, a
	// retry under the same key runs the release for real instead of
	// replaying the stale 504.
	node.mu.Lock()
	node.status = relay.SignatureStatus{Found: true, Slot: 99, Level: relay.CommitmentConfirmed}
	node.mu.Unlock()

	token2, sig2 := signedChallenge(t, h, client)
	second := postJSON(t, h.server, "/escrow/"+esc.ID.String()+"/release", map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token2,
		"signature":   sig2,
		"transaction": signedTransactionBase64(t),
	}, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "released", decodeBody(t, second)["status"])
}

func TestReleaseUnknownOutcomeReportedAsUnknown(t *testing.T) {
	node := newFakeNode()
	node.sendSig = "broadcast-sig"
	node.status = relay.SignatureStatus{} // never found
	h := newHarness(t, map[string]relay.Client{"https://primary.example.com": node}, "https://primary.example.com")
	h.node = node
	client := solana.NewWallet()

	// Seed a funded record directly; polling never confirms in this test.
	esc := &escrow.Escrow{
		ProjectID:     "project-1",
		ClientWallet:  client.PublicKey().String(),
		Amount:        10,
		TotalLocked:   10,
		EscrowAccount: solana.NewWallet().PublicKey().String(),
		Status:        escrow.StatusFunded,
	}
	require.NoError(t, h.store.Create(context.Background(), esc))

	token, sig := signedChallenge(t, h, client)
	rec := postJSON(t, h.server, "/escrow/"+esc.ID.String()+"/release", map[string]string{
		"wallet":      client.PublicKey().String(),
		"token":       token,
		"signature":   sig,
		"transaction": signedTransactionBase64(t),
	}, nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	current, err := h.store.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, current.Status)
}

func TestHealthz(t *testing.T) {
	h := newSingleNodeHarness(t)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
