package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts per-method behaviour and counts calls.
type fakeClient struct {
	mu sync.Mutex

	blockhash    Blockhash
	blockhashErr error

	account    Account
	accountErr error

	sendSig string
	sendErr error

	statuses  []statusStep
	statusIdx int

	height    uint64
	heightErr error

	simulation    Simulation
	simulationErr error

	calls map[string]int
}

type statusStep struct {
	status SignatureStatus
	err    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(map[string]int)}
}

func (f *fakeClient) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeClient) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	f.record("getLatestBlockhash")
	return f.blockhash, f.blockhashErr
}

func (f *fakeClient) Balance(ctx context.Context, address string) (uint64, error) {
	f.record("getBalance")
	if f.accountErr != nil {
		return 0, f.accountErr
	}
	return f.account.Lamports, nil
}

func (f *fakeClient) AccountInfo(ctx context.Context, address string) (Account, error) {
	f.record("getAccountInfo")
	return f.account, f.accountErr
}

func (f *fakeClient) SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	f.record("sendRawTransaction")
	return f.sendSig, f.sendErr
}

func (f *fakeClient) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	f.record("getSignatureStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return SignatureStatus{}, nil
	}
	step := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return step.status, step.err
}

func (f *fakeClient) BlockHeight(ctx context.Context) (uint64, error) {
	f.record("getBlockHeight")
	return f.height, f.heightErr
}

func (f *fakeClient) SimulateTransaction(ctx context.Context, raw []byte) (Simulation, error) {
	f.record("simulateTransaction")
	return f.simulation, f.simulationErr
}

func testPool(t *testing.T, clients map[string]Client, order ...string) *Pool {
	t.Helper()
	pool, err := NewPoolWithClients(clients, order)
	require.NoError(t, err)
	return pool
}

func instantPoller(exec *Executor, attempts int) *Poller {
	p := NewPoller(exec, attempts, time.Millisecond, CommitmentConfirmed, nil)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

// signedTestTransaction builds a minimal signed transfer and returns its
// serialized bytes.
func signedTestTransaction(t *testing.T) []byte {
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
	return raw
}

func TestFailoverOrder(t *testing.T) {
	a := newFakeClient()
	a.blockhashErr = errors.New("connection refused")
	b := newFakeClient()
	b.blockhashErr = errors.New("timeout")
	c := newFakeClient()
	c.blockhash = Blockhash{Hash: "H", LastValidBlockHeight: 100, Slot: 42}

	pool := testPool(t, map[string]Client{"A": a, "B": b, "C": c}, "A", "B", "C")
	exec := NewExecutor(pool, nil)

	bh, err := exec.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "H", bh.Hash)
	require.Equal(t, 1, a.callCount("getLatestBlockhash"))
	require.Equal(t, 1, b.callCount("getLatestBlockhash"))
	require.Equal(t, 1, c.callCount("getLatestBlockhash"))
}

func TestFailoverExhaustionAggregatesAllAttempts(t *testing.T) {
	a := newFakeClient()
	a.blockhashErr = errors.New("down-a")
	b := newFakeClient()
	b.blockhashErr = errors.New("down-b")
	c := newFakeClient()
	c.blockhashErr = errors.New("down-c")

	pool := testPool(t, map[string]Client{"A": a, "B": b, "C": c}, "A", "B", "C")
	exec := NewExecutor(pool, nil)

	_, err := exec.LatestBlockhash(context.Background())
	require.Error(t, err)
	var agg *FailoverError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Attempts, 3)
	require.Equal(t, "A", agg.Attempts[0].Endpoint)
	require.Equal(t, "B", agg.Attempts[1].Endpoint)
	require.Equal(t, "C", agg.Attempts[2].Endpoint)
	require.Contains(t, err.Error(), "down-a")
	require.Contains(t, err.Error(), "down-b")
	require.Contains(t, err.Error(), "down-c")
	// The last underlying error stays reachable.
	require.Contains(t, agg.Unwrap().Error(), "down-c")
}

func TestFailoverShortCircuitsOnFirstSuccess(t *testing.T) {
	a := newFakeClient()
	a.blockhash = Blockhash{Hash: "primary"}
	b := newFakeClient()

	pool := testPool(t, map[string]Client{"A": a, "B": b}, "A", "B")
	exec := NewExecutor(pool, nil)

	bh, err := exec.LatestBlockhash(context.Background())
	require.NoError(t, err)
	require.Equal(t, "primary", bh.Hash)
	require.Zero(t, b.totalCalls())
}

func TestFailoverStopsOnTerminalError(t *testing.T) {
	a := newFakeClient()
	a.sendErr = &Error{Kind: KindOnChain, Endpoint: "A", Err: errors.New("custom program error")}
	b := newFakeClient()

	pool := testPool(t, map[string]Client{"A": a, "B": b}, "A", "B")
	exec := NewExecutor(pool, nil)

	_, err := exec.Send(context.Background(), []byte{1}, SendOptions{})
	require.Error(t, err)
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, KindOnChain, relayErr.Kind)
	require.Zero(t, b.totalCalls(), "a ledger answer must not be retried on another endpoint")
}

func TestSubmitRejectsEmptyPayloadWithoutNetworkCall(t *testing.T) {
	a := newFakeClient()
	pool := testPool(t, map[string]Client{"A": a}, "A")
	sub := NewSubmitter(NewExecutor(pool, nil), nil)

	_, err := sub.Submit(context.Background(), nil, SubmitOptions{})
	require.ErrorIs(t, err, ErrInvalidTransaction)
	require.Zero(t, a.totalCalls())
}

func TestSubmitRejectsOversizePayloadWithoutNetworkCall(t *testing.T) {
	a := newFakeClient()
	pool := testPool(t, map[string]Client{"A": a}, "A")
	sub := NewSubmitter(NewExecutor(pool, nil), nil)

	_, err := sub.Submit(context.Background(), make([]byte, MaxTransactionSize+1), SubmitOptions{})
	require.ErrorIs(t, err, ErrInvalidTransaction)
	require.Zero(t, a.totalCalls())
}

func TestSubmitBroadcastsValidTransaction(t *testing.T) {
	a := newFakeClient()
	a.sendSig = "sig-1"
	pool := testPool(t, map[string]Client{"A": a}, "A")
	sub := NewSubmitter(NewExecutor(pool, nil), nil)

	sig, err := sub.Submit(context.Background(), signedTestTransaction(t), SubmitOptions{SkipPreflight: true})
	require.NoError(t, err)
	require.Equal(t, "sig-1", sig)
	require.Equal(t, 1, a.callCount("sendRawTransaction"))
	require.Zero(t, a.callCount("simulateTransaction"))
}

func TestSubmitSimulateFirstAbortsOnSimulationError(t *testing.T) {
	a := newFakeClient()
	a.simulation = Simulation{Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	sub := NewSubmitter(NewExecutor(pool, nil), nil)

	_, err := sub.Submit(context.Background(), signedTestTransaction(t), SubmitOptions{SimulateFirst: true})
	require.Error(t, err)
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, KindOnChain, relayErr.Kind)
	require.NotNil(t, relayErr.Payload)
	require.Zero(t, a.callCount("sendRawTransaction"), "must abort before broadcasting")
}

func TestPollOnChainFailureIsTerminalOnFirstAttempt(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{{status: SignatureStatus{Found: true, Slot: 7, Err: map[string]interface{}{"InstructionError": "x"}}}}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	result, err := poller.Wait(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, 1, result.Attempts)
	require.NotNil(t, result.Err)
	require.Equal(t, 1, a.callCount("getSignatureStatus"))
}

func TestPollBoundedAttempts(t *testing.T) {
	a := newFakeClient()
	// No scripted statuses: every query reports not found.
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	result, err := poller.Wait(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, result.Outcome)
	require.Equal(t, 5, result.Attempts)
	require.Equal(t, 5, a.callCount("getSignatureStatus"))
}

func TestPollTreatsAccessErrorsAsTransient(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{
		{err: &Error{Kind: KindRateLimited, Endpoint: "A", Err: errors.New("403 forbidden")}},
		{err: &Error{Kind: KindRateLimited, Endpoint: "A", Err: errors.New("403 forbidden")}},
		{status: SignatureStatus{Found: true, Slot: 9, Level: CommitmentConfirmed}},
	}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 10)

	result, err := poller.Wait(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, result.Outcome)
	require.Equal(t, uint64(9), result.Slot)
	require.Equal(t, 3, result.Attempts)
}

func TestPollFinalizedSatisfiesConfirmed(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{{status: SignatureStatus{Found: true, Slot: 3, Level: CommitmentFinalized}}}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	result, err := poller.Wait(context.Background(), "sig")
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, result.Outcome)
}

func TestPollRespectsContextCancellation(t *testing.T) {
	a := newFakeClient()
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := NewPoller(NewExecutor(pool, nil), 30, time.Millisecond, CommitmentConfirmed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := poller.Wait(ctx, "sig")
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitWithBlockhashExpires(t *testing.T) {
	a := newFakeClient()
	a.height = 500
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	_, err := poller.WaitWithBlockhash(context.Background(), "sig", 400)
	require.ErrorIs(t, err, ErrBlockhashExpired)
}

func TestWaitWithBlockhashBoundedWhenEndpointsUnreachable(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{{err: errors.New("connection refused")}}
	a.heightErr = errors.New("connection refused")
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 2)

	result, err := poller.WaitWithBlockhash(context.Background(), "sig", 400)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, result.Outcome)
	// The loop terminates on its own even though neither the status query
	// nor the height check ever answers.
	require.Equal(t, 2*blockhashAttemptsFactor, result.Attempts)
	require.Equal(t, 2*blockhashAttemptsFactor, a.callCount("getSignatureStatus"))
}

func TestPollStopsOnTerminalQueryError(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{{err: &Error{Kind: KindInvalidTransaction, Endpoint: "A", Err: errors.New("invalid signature")}}}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	result, err := poller.Wait(context.Background(), "not-base58")
	require.Error(t, err)
	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	require.Equal(t, KindInvalidTransaction, relayErr.Kind)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 1, a.callCount("getSignatureStatus"))
}

func TestWaitWithBlockhashStopsOnTerminalQueryError(t *testing.T) {
	a := newFakeClient()
	a.statuses = []statusStep{{err: &Error{Kind: KindInvalidTransaction, Endpoint: "A", Err: errors.New("invalid signature")}}}
	pool := testPool(t, map[string]Client{"A": a}, "A")
	poller := instantPoller(NewExecutor(pool, nil), 5)

	result, err := poller.WaitWithBlockhash(context.Background(), "not-base58", 400)
	require.Error(t, err)
	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	require.Equal(t, KindInvalidTransaction, relayErr.Kind)
	require.Equal(t, 1, result.Attempts)
}

func TestDecodeBase64TransactionRejectsGarbage(t *testing.T) {
	_, err := DecodeBase64Transaction("")
	require.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = DecodeBase64Transaction("!!!not-base64!!!")
	require.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = DecodeBase64Transaction("AAAA")
	require.ErrorIs(t, err, ErrInvalidTransaction)
}
