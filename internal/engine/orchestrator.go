package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/devblac/bridge-relay/internal/chain"
	"github.com/devblac/bridge-relay/internal/decode"
	"github.com/devblac/bridge-relay/internal/journal"
	"github.com/devblac/bridge-relay/internal/metrics"
	"github.com/devblac/bridge-relay/internal/notify"
	"github.com/devblac/bridge-relay/internal/relay"
	"github.com/devblac/bridge-relay/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// Phase is the orchestrator lifecycle state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnecting
	PhaseRunning
	PhaseErrorBackoff
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseConnecting:
		return "connecting"
	case PhaseRunning:
		return "running"
	case PhaseErrorBackoff:
		return "error_backoff"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	rtyAtt = retry.Attempts(3)
	rtyDel = retry.Delay(400 * time.Millisecond)
	rtyErr = retry.LastErrorOnly(true)
)

// Options wires the orchestrator's collaborators and tuning knobs.
type Options struct {
	Source     chain.Connector
	Dest       chain.Connector
	Store      *state.Store
	Descriptor *decode.Descriptor
	Executor   *relay.Executor
	Journal    *journal.Journal // optional audit trail
	Notifier   notify.Notifier  // optional give-up alerts
	Metrics    *metrics.Metrics // nil-safe

	PollingInterval   time.Duration
	MaxBackoff        time.Duration
	BatchSize         uint64
	ConfirmationDepth uint64
	MaxAttempts       int
	DryRun            bool

	Log *slog.Logger
}

// Orchestrator runs the scan/decode/relay pipeline as a single cooperative
// loop. One tick at a time; it is the sole writer of the persisted state.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	phase   Phase
	attempt int

	// pending tracks relay failures awaiting retry, keyed by dedup key.
	// A pending entry pins the cursor below its block.
	pending map[common.Hash]*pendingRelay
}

type pendingRelay struct {
	attempts int
	block    uint64
}

// New builds an orchestrator in the Init phase.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		log:     opts.Log,
		phase:   PhaseInit,
		pending: map[common.Hash]*pendingRelay{},
	}
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// Run connects both chains and polls until ctx is cancelled. A source
// connect failure is fatal and returned before the loop starts; everything
// after that is classified and retried with backoff.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.connect(ctx); err != nil {
		o.phase = PhaseStopped
		return err
	}

	o.phase = PhaseRunning
	o.log.Info("orchestrator running",
		"polling_interval", o.opts.PollingInterval,
		"batch_size", o.opts.BatchSize,
		"confirmation_depth", o.opts.ConfirmationDepth)

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		default:
		}

		if err := o.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return o.shutdown()
			}
			o.phase = PhaseErrorBackoff
			o.opts.Metrics.TickError()
			delay := o.backoffDelay()
			o.attempt++
			o.log.Error("tick failed, backing off", "error", err, "delay", delay, "attempt", o.attempt)
			if sleepCtx(ctx, delay) != nil {
				return o.shutdown()
			}
			o.phase = PhaseRunning
			continue
		}

		o.attempt = 0
		if sleepCtx(ctx, o.opts.PollingInterval) != nil {
			return o.shutdown()
		}
	}
}

func (o *Orchestrator) connect(ctx context.Context) error {
	o.phase = PhaseConnecting

	err := retry.Do(func() error {
		return o.opts.Source.Connect(ctx)
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx), retry.OnRetry(func(n uint, err error) {
		o.log.Warn("source connect retry", "attempt", n+1, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}

	if err := retry.Do(func() error {
		return o.opts.Dest.Connect(ctx)
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		o.log.Warn("destination connect failed, relays will fail until it recovers", "error", err)
	}
	return nil
}

func (o *Orchestrator) shutdown() error {
	o.phase = PhaseShuttingDown
	if err := o.opts.Store.Persist(); err != nil {
		o.log.Error("final persist failed", "error", err)
	}
	o.phase = PhaseStopped
	o.log.Info("orchestrator stopped", "last_processed_block", o.opts.Store.LastProcessedBlock())
	return nil
}

// Tick performs one scan pass: compute the confirmed window, fetch its logs,
// resolve each in (blockNumber, logIndex) order, advance the cursor past
// fully resolved blocks, and persist. Any returned error sends the loop into
// backoff; per-event decode and relay failures are handled inside.
func (o *Orchestrator) Tick(ctx context.Context) error {
	// Heal the destination if it was down at startup; Connect is idempotent.
	_ = o.opts.Dest.Connect(ctx)

	latest, err := o.opts.Source.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("latest height: %w", err)
	}
	if latest < o.opts.ConfirmationDepth {
		return nil
	}
	confirmedHead := latest - o.opts.ConfirmationDepth

	from := o.opts.Store.LastProcessedBlock() + 1
	to := confirmedHead
	if max := from + o.opts.BatchSize - 1; to > max {
		to = max
	}
	if from > to {
		o.log.Debug("nothing confirmed to scan", "head", latest, "cursor", o.opts.Store.LastProcessedBlock())
		return nil
	}

	logs, err := o.opts.Source.FetchLogs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("fetch logs [%d,%d]: %w", from, to, err)
	}

	// Lowest block still holding an unresolved relay; zero means none.
	var unresolved uint64
	for _, lg := range logs {
		if lg.Removed {
			o.log.Warn("skipping reorg-invalidated log", "tx", lg.TxHash.Hex(), "block", lg.BlockNumber)
			continue
		}
		if !o.opts.Descriptor.Matches(lg) {
			continue
		}

		key := decode.DedupKey(lg.TxHash, lg.Index)
		if o.opts.Store.IsProcessed(key.Hex()) {
			o.opts.Metrics.DedupSkip()
			o.log.Debug("skipping already processed event", "tx", lg.TxHash.Hex(), "log_index", lg.Index)
			continue
		}

		ev, err := o.opts.Descriptor.Decode(lg)
		if err != nil {
			o.opts.Metrics.DecodeError()
			o.log.Warn("undecodable log skipped", "error", err)
			o.record(ctx, journal.Entry{
				Key:      key.Hex(),
				SourceTx: lg.TxHash.Hex(),
				LogIndex: lg.Index,
				Block:    lg.BlockNumber,
				Status:   journal.StatusDecodeFailed,
				Detail:   err.Error(),
			})
			delete(o.pending, key)
			continue
		}

		if o.opts.DryRun {
			o.log.Info("dry run, would relay", "event", ev.Name, "tx", ev.SourceTxHash.Hex(), "block", ev.BlockNumber)
			continue
		}

		resolved, err := o.relayOne(ctx, key, ev)
		if err != nil {
			return err
		}
		if !resolved {
			if unresolved == 0 || ev.BlockNumber < unresolved {
				unresolved = ev.BlockNumber
			}
		}
	}

	advanceTo := to
	if unresolved > 0 {
		advanceTo = unresolved - 1
	}
	if advanceTo >= from {
		// Checkpoint reverts the in-memory cursor on a failed write, so the
		// next tick rescans the same window; dedup marks make that safe.
		if err := o.opts.Store.Checkpoint(advanceTo); err != nil {
			return fmt.Errorf("checkpoint state: %w", err)
		}
		o.opts.Metrics.BlocksScanned(advanceTo - from + 1)
		o.opts.Metrics.CursorAt(advanceTo)
	} else if err := o.opts.Store.Persist(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	o.log.Info("tick complete", "scanned", fmt.Sprintf("[%d,%d]", from, to),
		"cursor", o.opts.Store.LastProcessedBlock(), "pending_retries", len(o.pending))
	return nil
}

// relayOne resolves a single decoded event. It reports false while the event
// stays pending retry, pinning the cursor below its block. A returned error
// is configuration-level (destination unreachable) and fails the whole tick
// without consuming the event's retry budget.
func (o *Orchestrator) relayOne(ctx context.Context, key common.Hash, ev *decode.Event) (bool, error) {
	attempts := 1
	if p := o.pending[key]; p != nil {
		attempts = p.attempts + 1
	}

	out, err := o.opts.Executor.Relay(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("relay %s: %w", ev.SourceTxHash.Hex(), err)
	}

	if out.Delivered {
		o.opts.Store.MarkProcessed(key.Hex())
		o.opts.Metrics.EventRelayed()
		o.record(ctx, journal.Entry{
			Key:      key.Hex(),
			SourceTx: ev.SourceTxHash.Hex(),
			LogIndex: ev.SourceLogIndex,
			Block:    ev.BlockNumber,
			Status:   journal.StatusRelayed,
			Attempts: attempts,
			DestTx:   out.DestTxHash.Hex(),
		})
		delete(o.pending, key)
		return true, nil
	}

	o.opts.Metrics.RelayFailure()
	if attempts >= o.opts.MaxAttempts {
		o.log.Error("relay retry budget exhausted, giving up",
			"tx", ev.SourceTxHash.Hex(), "log_index", ev.SourceLogIndex, "attempts", attempts, "reason", out.Reason)
		o.record(ctx, journal.Entry{
			Key:      key.Hex(),
			SourceTx: ev.SourceTxHash.Hex(),
			LogIndex: ev.SourceLogIndex,
			Block:    ev.BlockNumber,
			Status:   journal.StatusExhausted,
			Attempts: attempts,
			Detail:   reasonString(out.Reason),
		})
		o.giveUpNotice(ctx, ev, attempts, out.Reason)
		delete(o.pending, key)
		return true, nil
	}

	o.pending[key] = &pendingRelay{attempts: attempts, block: ev.BlockNumber}
	o.log.Warn("relay failed, will retry",
		"tx", ev.SourceTxHash.Hex(), "log_index", ev.SourceLogIndex, "attempt", attempts, "reason", out.Reason)
	return false, nil
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.Record(ctx, e); err != nil {
		o.log.Warn("journal write failed", "error", err)
	}
}

func (o *Orchestrator) giveUpNotice(ctx context.Context, ev *decode.Event, attempts int, reason error) {
	if o.opts.Notifier == nil {
		return
	}
	err := o.opts.Notifier.Notify(ctx, notify.Payload{
		Event:    ev.Name,
		SourceTx: ev.SourceTxHash.Hex(),
		LogIndex: ev.SourceLogIndex,
		Block:    ev.BlockNumber,
		Attempts: attempts,
		Reason:   reasonString(reason),
	})
	if err != nil {
		o.log.Warn("give-up notification failed", "error", err)
	}
}

func (o *Orchestrator) backoffDelay() time.Duration {
	shift := o.attempt
	if shift > 16 {
		shift = 16
	}
	delay := o.opts.PollingInterval << uint(shift)
	if delay > o.opts.MaxBackoff || delay <= 0 {
		delay = o.opts.MaxBackoff
	}
	return delay
}

func reasonString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
