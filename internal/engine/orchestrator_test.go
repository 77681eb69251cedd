package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/bridge-relay/internal/chain"
	"github.com/devblac/bridge-relay/internal/config"
	"github.com/devblac/bridge-relay/internal/decode"
	"github.com/devblac/bridge-relay/internal/notify"
	"github.com/devblac/bridge-relay/internal/relay"
	"github.com/devblac/bridge-relay/internal/state"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDescriptor(t *testing.T) *decode.Descriptor {
	t.Helper()
	d, err := decode.NewDescriptor(config.EventSpec{
		Name: "TokensLocked",
		Indexed: []config.FieldSpec{
			{Name: "user", Type: "address"},
			{Name: "token", Type: "address"},
		},
		Data: []config.FieldSpec{
			{Name: "amount", Type: "uint256"},
			{Name: "destinationChainId", Type: "uint256"},
		},
	})
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return d
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func packAmount(t *testing.T, amount int64) []byte {
	t.Helper()
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		t.Fatalf("new type: %v", err)
	}
	args := abi.Arguments{{Type: uint256Ty}, {Type: uint256Ty}}
	data, err := args.Pack(big.NewInt(amount), big.NewInt(2))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return data
}

// lockedLog builds a well formed TokensLocked log at (block, idx) with a
// tx hash derived from seed.
func lockedLog(t *testing.T, d *decode.Descriptor, block uint64, idx uint, seed byte) types.Log {
	t.Helper()
	return types.Log{
		Topics: []common.Hash{
			d.ID(),
			addrTopic(common.HexToAddress("0x00000000219ab540356cBB839Cbe05303d7705Fa")),
			addrTopic(common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")),
		},
		Data:        packAmount(t, 1000),
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{seed}),
		Index:       idx,
	}
}

type rig struct {
	orch      *Orchestrator
	source    *chain.ScriptedConnector
	dest      *chain.ScriptedConnector
	store     *state.Store
	desc      *decode.Descriptor
	statePath string
}

type rigOpts struct {
	heights     []uint64
	logs        map[uint64][]types.Log
	submitErrs  []error
	batchSize   uint64
	depth       uint64
	maxAttempts int
	dryRun      bool
	notifier    notify.Notifier
	statePath   string
	amountField string
}

func newRig(t *testing.T, ro rigOpts) *rig {
	t.Helper()
	ctx := context.Background()

	if ro.batchSize == 0 {
		ro.batchSize = 100
	}
	if ro.maxAttempts == 0 {
		ro.maxAttempts = 5
	}
	if ro.statePath == "" {
		ro.statePath = filepath.Join(t.TempDir(), "state.json")
	}
	if ro.amountField == "" {
		ro.amountField = "amount"
	}

	source := &chain.ScriptedConnector{Name: "source", Heights: ro.heights, LogsByBlock: ro.logs}
	dest := &chain.ScriptedConnector{Name: "dest", SubmitErrs: ro.submitErrs}
	if err := source.Connect(ctx); err != nil {
		t.Fatalf("connect source: %v", err)
	}
	if err := dest.Connect(ctx); err != nil {
		t.Fatalf("connect dest: %v", err)
	}

	log := testLogger()
	store := state.Load(ro.statePath, 10000, log)
	desc := testDescriptor(t)

	exec, err := relay.NewExecutor(dest,
		common.HexToAddress("0x1234567890123456789012345678901234567890"),
		config.RelaySpec{RecipientField: "user", TokenField: "token", AmountField: ro.amountField, MaxAttempts: ro.maxAttempts},
		log)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	orch := New(Options{
		Source:            source,
		Dest:              dest,
		Store:             store,
		Descriptor:        desc,
		Executor:          exec,
		Notifier:          ro.notifier,
		PollingInterval:   time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BatchSize:         ro.batchSize,
		ConfirmationDepth: ro.depth,
		MaxAttempts:       ro.maxAttempts,
		DryRun:            ro.dryRun,
		Log:               log,
	})

	return &rig{orch: orch, source: source, dest: dest, store: store, desc: desc, statePath: ro.statePath}
}

func TestTickScansConfirmedWindow(t *testing.T) {
	// latest=120, depth=6, cursor=0: the confirmed window is [1,114] when
	// the batch admits it.
	r := newRig(t, rigOpts{heights: []uint64{120}, depth: 6, batchSize: 200})

	if err := r.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 114 {
		t.Fatalf("cursor = %d, want 114", got)
	}
}

func TestTickClampsToBatchSize(t *testing.T) {
	r := newRig(t, rigOpts{heights: []uint64{120}, depth: 6, batchSize: 50})

	if err := r.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 50 {
		t.Fatalf("cursor = %d, want 50", got)
	}
}

func TestTickNoOpWhenNothingConfirmed(t *testing.T) {
	// Head within the confirmation depth: nothing may be scanned.
	r := newRig(t, rigOpts{heights: []uint64{4}, depth: 6})

	if err := r.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 0 {
		t.Fatalf("cursor moved with nothing confirmed: %d", got)
	}
}

func TestEventRelayedOnceAndPersisted(t *testing.T) {
	d := testDescriptor(t)
	lg := lockedLog(t, d, 10, 0, 0x01)
	r := newRig(t, rigOpts{
		heights: []uint64{30},
		depth:   6,
		logs:    map[uint64][]types.Log{10: {lg}},
	})
	ctx := context.Background()

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	key := decode.DedupKey(lg.TxHash, lg.Index)
	if got := r.dest.SubmitCountFor(key); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if !r.store.IsProcessed(key.Hex()) {
		t.Fatal("event not marked processed")
	}

	// Simulated restart: reload the persisted document and replay the same
	// chain from scratch against a fresh orchestrator sharing the dest.
	restarted := state.Load(r.statePath, 10000, testLogger())
	if restarted.LastProcessedBlock() != 24 {
		t.Fatalf("reloaded cursor = %d, want 24", restarted.LastProcessedBlock())
	}
	if !restarted.IsProcessed(key.Hex()) {
		t.Fatal("dedup record lost across restart")
	}
}

func TestDuplicateLogSkippedOnRetryPass(t *testing.T) {
	// Block 10 holds two logs; the second fails, pinning the cursor at 9.
	// The next tick refetches both, and the already-relayed first log must
	// be dedup-skipped: exactly one submission ever.
	d := testDescriptor(t)
	ok := lockedLog(t, d, 10, 0, 0x01)
	bad := lockedLog(t, d, 10, 1, 0x02)
	r := newRig(t, rigOpts{
		heights:    []uint64{30},
		depth:      6,
		logs:       map[uint64][]types.Log{10: {ok, bad}},
		submitErrs: []error{nil, errors.New("rejected"), nil},
	})
	ctx := context.Background()

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 9 {
		t.Fatalf("cursor = %d after failed relay, want 9", got)
	}

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d after retry pass, want 24", got)
	}

	okKey := decode.DedupKey(ok.TxHash, ok.Index)
	badKey := decode.DedupKey(bad.TxHash, bad.Index)
	if got := r.dest.SubmitCountFor(okKey); got != 1 {
		t.Fatalf("first log submitted %d times, want exactly 1", got)
	}
	if got := r.dest.SubmitCountFor(badKey); got != 2 {
		t.Fatalf("second log submitted %d times, want 2", got)
	}
}

func TestDecodeFailureSkipsLogButNotBatch(t *testing.T) {
	d := testDescriptor(t)
	broken := lockedLog(t, d, 5, 0, 0x01)
	broken.Topics = broken.Topics[:2] // one topic short of the descriptor
	good := lockedLog(t, d, 6, 0, 0x02)

	r := newRig(t, rigOpts{
		heights: []uint64{30},
		depth:   6,
		logs:    map[uint64][]types.Log{5: {broken}, 6: {good}},
	})
	ctx := context.Background()

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	goodKey := decode.DedupKey(good.TxHash, good.Index)
	if got := r.dest.SubmitCountFor(goodKey); got != 1 {
		t.Fatalf("good log submissions = %d, want 1", got)
	}
	brokenKey := decode.DedupKey(broken.TxHash, broken.Index)
	if got := r.dest.SubmitCountFor(brokenKey); got != 0 {
		t.Fatalf("broken log must never be submitted, got %d", got)
	}
	// Decode failure is terminal: the cursor moves past its block.
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d, want 24", got)
	}
}

func TestRelayFailurePinsCursorThenRetriesFirst(t *testing.T) {
	d := testDescriptor(t)
	failing := lockedLog(t, d, 3, 0, 0x01)
	later := lockedLog(t, d, 7, 0, 0x02)

	r := newRig(t, rigOpts{
		heights: []uint64{30},
		depth:   6,
		logs:    map[uint64][]types.Log{3: {failing}, 7: {later}},
		// Tick 1: block 3 rejected, block 7 accepted. Tick 2: retry accepted.
		submitErrs: []error{errors.New("timeout"), nil, nil},
	})
	ctx := context.Background()

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 2 {
		t.Fatalf("cursor = %d, want pinned at 2", got)
	}

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d after retry, want 24", got)
	}

	// The retried log is resubmitted before anything newer is scanned.
	failKey := decode.DedupKey(failing.TxHash, failing.Index)
	laterKey := decode.DedupKey(later.TxHash, later.Index)
	if got := r.dest.SubmitCountFor(failKey); got != 2 {
		t.Fatalf("failing log submissions = %d, want 2", got)
	}
	if got := r.dest.SubmitCountFor(laterKey); got != 1 {
		t.Fatalf("later log submissions = %d, want exactly 1", got)
	}
	last := r.dest.Submitted[len(r.dest.Submitted)-1]
	if last.IdempotencyKey != failKey {
		t.Fatal("retry must come before newer work in the second pass")
	}
}

func TestBadFieldMappingFailsTickNotRetryBudget(t *testing.T) {
	// A relay spec naming a field the event does not carry is a
	// configuration fault: every tick must fail into backoff with the event
	// unconsumed, rather than exhausting its retry budget.
	d := testDescriptor(t)
	lg := lockedLog(t, d, 10, 0, 0x01)
	r := newRig(t, rigOpts{
		heights:     []uint64{30},
		depth:       6,
		logs:        map[uint64][]types.Log{10: {lg}},
		maxAttempts: 2,
		amountField: "amnt",
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := r.orch.Tick(ctx); err == nil {
			t.Fatalf("tick %d: expected configuration error", i)
		}
	}
	if len(r.dest.Submitted) != 0 {
		t.Fatal("unmappable event must never reach the destination")
	}
	if got := r.store.LastProcessedBlock(); got != 0 {
		t.Fatalf("cursor = %d, want 0 while the tick keeps failing", got)
	}
	key := decode.DedupKey(lg.TxHash, lg.Index)
	if r.store.IsProcessed(key.Hex()) {
		t.Fatal("event must stay unresolved across failed ticks")
	}
}

type recordingNotifier struct {
	payloads []notify.Payload
}

func (n *recordingNotifier) Notify(_ context.Context, p notify.Payload) error {
	n.payloads = append(n.payloads, p)
	return nil
}

func TestRetryBudgetExhaustionUnpinsCursor(t *testing.T) {
	d := testDescriptor(t)
	doomed := lockedLog(t, d, 3, 0, 0x01)
	notifier := &recordingNotifier{}

	r := newRig(t, rigOpts{
		heights:     []uint64{30},
		depth:       6,
		logs:        map[uint64][]types.Log{3: {doomed}},
		submitErrs:  []error{errors.New("no"), errors.New("no"), errors.New("no")},
		maxAttempts: 2,
		notifier:    notifier,
	})
	ctx := context.Background()

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 2 {
		t.Fatalf("cursor = %d, want 2", got)
	}

	if err := r.orch.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d after give-up, want 24", got)
	}

	key := decode.DedupKey(doomed.TxHash, doomed.Index)
	if got := r.dest.SubmitCountFor(key); got != 2 {
		t.Fatalf("submissions = %d, want the budget of 2", got)
	}
	if r.store.IsProcessed(key.Hex()) {
		t.Fatal("an exhausted event must not be marked processed")
	}
	if len(notifier.payloads) != 1 || notifier.payloads[0].Attempts != 2 {
		t.Fatalf("expected one give-up notification, got %+v", notifier.payloads)
	}
}

func TestRemovedLogIsNeverActedOn(t *testing.T) {
	d := testDescriptor(t)
	lg := lockedLog(t, d, 10, 0, 0x01)
	lg.Removed = true

	r := newRig(t, rigOpts{
		heights: []uint64{30},
		depth:   6,
		logs:    map[uint64][]types.Log{10: {lg}},
	})

	if err := r.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(r.dest.Submitted) != 0 {
		t.Fatal("reorg-invalidated log must never be submitted")
	}
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d, want 24", got)
	}
}

func TestDryRunSubmitsNothing(t *testing.T) {
	d := testDescriptor(t)
	lg := lockedLog(t, d, 10, 0, 0x01)

	r := newRig(t, rigOpts{
		heights: []uint64{30},
		depth:   6,
		logs:    map[uint64][]types.Log{10: {lg}},
		dryRun:  true,
	})

	if err := r.orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(r.dest.Submitted) != 0 {
		t.Fatal("dry run must not submit")
	}
	if got := r.store.LastProcessedBlock(); got != 24 {
		t.Fatalf("cursor = %d, want 24", got)
	}
}

func TestTickLeavesCursorWhenCheckpointFails(t *testing.T) {
	// An unwritable state path fails the tick and the in-memory cursor must
	// not move past the last durable position.
	r := newRig(t, rigOpts{
		heights:   []uint64{30},
		depth:     6,
		statePath: filepath.Join(t.TempDir(), "missing", "state.json"),
	})

	if err := r.orch.Tick(context.Background()); err == nil {
		t.Fatal("expected tick to fail on an unwritable state path")
	}
	if got := r.store.LastProcessedBlock(); got != 0 {
		t.Fatalf("cursor = %d after failed checkpoint, want 0", got)
	}
}

func TestCursorIsMonotonicAcrossTicks(t *testing.T) {
	r := newRig(t, rigOpts{heights: []uint64{120, 125, 130}, depth: 6, batchSize: 200})
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 3; i++ {
		if err := r.orch.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		cur := r.store.LastProcessedBlock()
		if cur < prev {
			t.Fatalf("cursor regressed: %d -> %d", prev, cur)
		}
		prev = cur
	}
	if prev != 124 {
		t.Fatalf("final cursor = %d, want 124", prev)
	}
}

func TestRunFatalWhenSourceNeverConnects(t *testing.T) {
	refused := errors.New("refused")
	source := &chain.ScriptedConnector{
		Name:        "source",
		ConnectErrs: []error{refused, refused, refused},
	}
	dest := &chain.ScriptedConnector{Name: "dest"}
	log := testLogger()
	store := state.Load(filepath.Join(t.TempDir(), "state.json"), 100, log)

	exec, err := relay.NewExecutor(dest, common.Address{}, config.RelaySpec{
		RecipientField: "user", TokenField: "token", AmountField: "amount", MaxAttempts: 1,
	}, log)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	orch := New(Options{
		Source:            source,
		Dest:              dest,
		Store:             store,
		Descriptor:        testDescriptor(t),
		Executor:          exec,
		PollingInterval:   time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BatchSize:         10,
		ConfirmationDepth: 1,
		MaxAttempts:       1,
		Log:               log,
	})

	if err := orch.Run(context.Background()); err == nil {
		t.Fatal("expected fatal startup error")
	}
	if orch.Phase() != PhaseStopped {
		t.Fatalf("phase = %s, want stopped", orch.Phase())
	}
}

func TestRunStopsGracefullyOnCancel(t *testing.T) {
	r := newRig(t, rigOpts{heights: []uint64{30}, depth: 6})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.orch.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("graceful shutdown returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	if r.orch.Phase() != PhaseStopped {
		t.Fatalf("phase = %s, want stopped", r.orch.Phase())
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	o := New(Options{PollingInterval: time.Second, MaxBackoff: 8 * time.Second, Log: testLogger()})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		o.attempt = i
		if got := o.backoffDelay(); got != w {
			t.Fatalf("attempt %d: delay %v, want %v", i, got, w)
		}
	}

	o.attempt = 40 // far past any sane shift
	if got := o.backoffDelay(); got != 8*time.Second {
		t.Fatalf("overflow guard: delay %v, want cap", got)
	}
}
