package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"
	"golang.org/x/sync/errgroup"

	ffb "ffb-core/closed_loop/force_feedback"
	"ffb-core/storage"
	"ffb-core/utils"
)

// Signal names the loop reads and writes
const (
	SigSteerNorm  = "steer_norm"
	SigYawRateDPS = "yaw_rate_dps"
	SigEnable     = "ffb_enable"
	SigTorque     = "torque_cmd_nm"
)

// traceQueueLen bounds trace records waiting for the recorder goroutine
const traceQueueLen = 1024

type RunnerConfig struct {
	RxFrame    string
	TxFrame    string
	StaleAfter time.Duration
	Duration   time.Duration // 0 runs until canceled
	Model      ffb.ModelConfig
	Shaping    ffb.ShaperConfig
}

// RunnerStats are cumulative loop counters
type RunnerStats struct {
	RxFrames    uint64
	RxDropped   uint64 // non-finite samples
	TxFrames    uint64
	StaleCycles uint64
	TraceDrops  uint64 // records lost to a full trace queue
}

type Runner struct {
	cfg    RunnerConfig
	log    *utils.Logger
	cmap   *utils.CANMap
	reader utils.CANReader
	writer utils.CANWriter
	rx     *utils.FrameDef
	tx     *utils.FrameDef
	shaper *ffb.OutputShaper
	rec    *traceRecorder
	trace  chan storage.TraceRecord
	now    func() time.Time

	mu       sync.Mutex
	latest   ffb.SteeringSample
	latestAt time.Time
	have     bool

	stale bool
	seq   int
	start time.Time

	rxFrames    atomic.Uint64
	rxDropped   atomic.Uint64
	txFrames    atomic.Uint64
	staleCycles atomic.Uint64
	traceDrops  atomic.Uint64
}

func NewRunner(cfg RunnerConfig, cmap *utils.CANMap, reader utils.CANReader, writer utils.CANWriter, log *utils.Logger) (*Runner, error) {
	rx, err := cmap.FrameByName(cfg.RxFrame)
	if err != nil {
		return nil, fmt.Errorf("rx frame: %w", err)
	}
	tx, err := cmap.FrameByName(cfg.TxFrame)
	if err != nil {
		return nil, fmt.Errorf("tx frame: %w", err)
	}
	if tx.CycleMS <= 0 {
		return nil, fmt.Errorf("frame %s has invalid cycle_ms %d", tx.Name, tx.CycleMS)
	}
	for _, name := range []string{SigSteerNorm, SigYawRateDPS} {
		if _, ok := rx.Signal(name); !ok {
			return nil, fmt.Errorf("frame %s lacks signal %s", rx.Name, name)
		}
	}
	for _, name := range []string{SigEnable, SigTorque} {
		if _, ok := tx.Signal(name); !ok {
			return nil, fmt.Errorf("frame %s lacks signal %s", tx.Name, name)
		}
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("invalid stale_after %v", cfg.StaleAfter)
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}

	return &Runner{
		cfg:    cfg,
		log:    log,
		cmap:   cmap,
		reader: reader,
		writer: writer,
		rx:     rx,
		tx:     tx,
		shaper: ffb.NewOutputShaper(cfg.Shaping),
		now:    time.Now,
		stale:  true,
	}, nil
}

// RecordTo stores every enabled cycle under run. Writes happen on their own
// goroutine so a slow store never delays the TX tick.
func (r *Runner) RecordTo(ctx context.Context, store storage.Store, run storage.Run) error {
	rec, err := newTraceRecorder(ctx, store, run, 100)
	if err != nil {
		return err
	}
	r.rec = rec
	r.trace = make(chan storage.TraceRecord, traceQueueLen)
	return nil
}

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
}

func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		RxFrames:    r.rxFrames.Load(),
		RxDropped:   r.rxDropped.Load(),
		TxFrames:    r.txFrames.Load(),
		StaleCycles: r.staleCycles.Load(),
		TraceDrops:  r.traceDrops.Load(),
	}
}

// Run drives RX and TX until ctx ends or the configured duration elapses.
// Expiry of the duration is a normal exit.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting FFB loop: rx=%s(0x%X) tx=%s(0x%X) cycle_ms=%d spring=%.3f damper=%.3f stale_after=%v",
		r.rx.Name, r.rx.ID, r.tx.Name, r.tx.ID, r.tx.CycleMS,
		r.cfg.Model.SpringGain, r.cfg.Model.DamperGain, r.cfg.StaleAfter)

	runCtx := ctx
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	r.start = r.now()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.receiveLoop(gctx) })
	g.Go(func() error { return r.transmitLoop(gctx) })
	if r.rec != nil {
		g.Go(func() error { return r.recordLoop(gctx) })
	}
	err := g.Wait()

	r.disableOutput()
	if r.rec != nil {
		r.drainTrace()
		if ferr := r.rec.Flush(context.Background()); ferr != nil {
			r.log.Error("Trace flush failed: %v", ferr)
		}
	}

	st := r.Stats()
	r.log.Info("FFB loop stopped. rx=%d dropped=%d tx=%d stale_cycles=%d trace_drops=%d",
		st.RxFrames, st.RxDropped, st.TxFrames, st.StaleCycles, st.TraceDrops)

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

func (r *Runner) receiveLoop(ctx context.Context) error {
	log := r.log.Named("rx")
	log.Debug("RX loop started")
	defer log.Debug("RX loop stopped")

	for {
		frame, err := r.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, utils.ErrReceiveClosed) {
				return err
			}
			log.Error("RX error: %v", err)
			continue
		}
		r.handleFrame(frame)
	}
}

// handleFrame updates the latest sample from a steering-state frame
func (r *Runner) handleFrame(frame can.Frame) {
	if frame.ID != r.rx.ID {
		return
	}
	vals, err := r.cmap.DecodeEinrideFrame(frame)
	if err != nil {
		r.log.Warn("Decode %s failed: %v", r.rx.Name, err)
		return
	}
	r.rxFrames.Add(1)

	s := ffb.SteeringSample{SteerNorm: vals[SigSteerNorm], YawRateDPS: vals[SigYawRateDPS]}
	if !ffb.SampleFinite(s) {
		r.rxDropped.Add(1)
		r.log.Warn("Dropping non-finite sample steer=%v yaw=%v", s.SteerNorm, s.YawRateDPS)
		return
	}

	r.mu.Lock()
	r.latest = s
	r.latestAt = r.now()
	r.have = true
	r.mu.Unlock()

	r.log.Trace("RX steer=%.4f yaw=%.2f", s.SteerNorm, s.YawRateDPS)
}

// recordLoop hands queued trace records to the store until ctx ends
func (r *Runner) recordLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-r.trace:
			r.rec.Add(context.Background(), rec)
		}
	}
}

// drainTrace moves whatever is still queued into the recorder
func (r *Runner) drainTrace() {
	for {
		select {
		case rec := <-r.trace:
			r.rec.Add(context.Background(), rec)
		default:
			return
		}
	}
}

func (r *Runner) transmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.tx.CycleMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.step(ctx); err != nil {
				return err
			}
		}
	}
}

// step computes and transmits one torque command
func (r *Runner) step(ctx context.Context) error {
	now := r.now()

	r.mu.Lock()
	s, at, have := r.latest, r.latestAt, r.have
	r.mu.Unlock()

	values := map[string]float64{SigEnable: 0, SigTorque: 0}
	var torque, cmd ffb.TorqueCommand

	age := now.Sub(at)
	if !have || age > r.cfg.StaleAfter {
		r.staleCycles.Add(1)
		if !r.stale {
			r.log.Warn("No steering state for %.1f ms; output disabled", age.Seconds()*1000)
			r.shaper.Reset()
		}
		r.stale = true
	} else {
		if r.stale {
			r.log.Info("Steering state live; output enabled")
		}
		r.stale = false
		torque = ffb.ComputeTorque(s, r.cfg.Model)
		cmd = r.shaper.Apply(torque)
		values[SigEnable] = 1
		values[SigTorque] = cmd.Nm()
	}

	frame, err := r.cmap.EncodeEinrideFrame(r.tx.Name, values)
	if err != nil {
		r.log.Error("Encode failed: %v", err)
		return err
	}
	if err := r.writer.WriteFrame(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Critical("Transmit failed: %v", err)
		return err
	}
	sent := r.txFrames.Add(1)

	if values[SigEnable] == 1 {
		if r.trace != nil {
			rec := storage.TraceRecord{
				Seq:        r.seq,
				TimeS:      now.Sub(r.start).Seconds(),
				SteerNorm:  s.SteerNorm,
				YawRateDPS: s.YawRateDPS,
				TorqueNm:   torque.Nm(),
				CommandNm:  cmd.Nm(),
			}
			select {
			case r.trace <- rec:
			default:
				if r.traceDrops.Add(1) == 1 {
					r.log.Warn("Trace queue full; dropping records")
				}
			}
		}
		r.seq++
	}

	if sent%100 == 0 {
		r.log.Debug("FFB: steer=%.3f yaw=%.2f torque=%.3f cmd=%.3f ramping=%v",
			s.SteerNorm, s.YawRateDPS, torque.Nm(), cmd.Nm(), r.shaper.Ramping())
	}
	r.log.Trace("TX id=0x%X data=% X", frame.ID, frame.Data[:frame.Length])
	return nil
}

// disableOutput sends a final zero-torque frame so the actuator is released
func (r *Runner) disableOutput() {
	frame, err := r.cmap.EncodeEinrideFrame(r.tx.Name, map[string]float64{SigEnable: 0, SigTorque: 0})
	if err != nil {
		r.log.Error("Encode disable frame failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.writer.WriteFrame(ctx, frame); err != nil {
		r.log.Error("Transmit disable frame failed: %v", err)
		return
	}
	r.txFrames.Add(1)
}
