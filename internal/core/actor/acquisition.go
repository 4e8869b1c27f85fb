package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/events"
	"github.com/berfenger/winet2mqtt/internal/core/port"
	. "github.com/berfenger/winet2mqtt/internal/util/actorutil"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// extra time given to a cycle on top of its transport timeout before the
// actor stops waiting for it
const cycleGuardMargin = 5 * time.Second

type AcquisitionActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	coordinator  port.AcquisitionCoordinator
	eventStream  *eventstream.EventStream
	cycleTimeout time.Duration
	cancelTick   scheduler.CancelFunc
	cancelCycle  context.CancelFunc

	cycles       uint64
	last         *port.CycleResult
	lastSnapshot *telemetry.Snapshot

	logger *zap.Logger
}

type acquisitionTick struct{}

type cycleCompleted struct {
	result port.CycleResult
	err    error
}

// NewAcquisitionActor drives coordinator. cycleTimeout bounds how long the
// actor waits for one cycle.
func NewAcquisitionActor(coordinator port.AcquisitionCoordinator, eventStream *eventstream.EventStream,
	cycleTimeout time.Duration, logger *zap.Logger) *AcquisitionActor {
	act := &AcquisitionActor{
		coordinator:  coordinator,
		eventStream:  eventStream,
		cycleTimeout: cycleTimeout + cycleGuardMargin,
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		logger:       ActorLogger(domain.ACTOR_ID_ACQUISITION, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *AcquisitionActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *AcquisitionActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("acquisition@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)

		NewBackgroundTaskNoError(ctx, func() *acquisitionTick {
			state.coordinator.Connect(context.Background())
			return &acquisitionTick{}
		}).WithTimeout(state.cycleTimeout).Recover(func(err error) acquisitionTick {
			state.logger.Warn("acquisition@starting warm up did not finish", zap.Error(err))
			return acquisitionTick{}
		}).PipeToAsync(ctx.Self())

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.stopTimers()
	default:
		state.logger.Debug("acquisition@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *AcquisitionActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case acquisitionTick:
		state.logger.Debug("acquisition@default tick")
		state.startCycle(ctx)
	case domain.RunCycleRequest:
		state.logger.Debug("acquisition@default RunCycleRequest")
		state.stopTimers()
		state.startCycle(ctx)
	case domain.ActorHealthRequest:
		state.logger.Debug("acquisition@default ActorHealthRequest")
		ctx.Respond(state.health("idle"))
	case domain.GetLastCycleRequest:
		ctx.Respond(state.lastCycle())
	case *actor.Restarting:
		state.stopTimers()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("acquisition@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// CyclingReceive is stacked while a cycle runs. Ticks are dropped so cycles
// never overlap; the next one is scheduled when this one completes.
func (state *AcquisitionActor) CyclingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case cycleCompleted:
		state.cancelCycle = nil
		state.onCycleCompleted(msg)
		state.scheduleNext(ctx, state.coordinator.NextInterval())
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case acquisitionTick, domain.RunCycleRequest:
		state.logger.Debug("acquisition@cycling cycle in progress, dropped", zap.String("type", fmt.Sprintf("%T", msg)))
	case domain.ActorHealthRequest:
		ctx.Respond(state.health("cycling"))
	case domain.GetLastCycleRequest:
		ctx.Respond(state.lastCycle())
	case *actor.Restarting:
		state.stopTimers()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("acquisition@cycling stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *AcquisitionActor) startCycle(ctx actor.Context) {
	cycleCtx, cancel := context.WithCancel(context.Background())
	state.cancelCycle = cancel
	coordinator := state.coordinator

	NewBackgroundTaskNoError(ctx, func() *cycleCompleted {
		defer cancel()
		res, err := coordinator.RunCycle(cycleCtx)
		return &cycleCompleted{result: res, err: err}
	}).WithTimeout(state.cycleTimeout).Recover(func(err error) cycleCompleted {
		return cycleCompleted{err: err}
	}).PipeToAsync(ctx.Self())

	state.behavior.BecomeStacked(state.CyclingReceive)
}

func (state *AcquisitionActor) onCycleCompleted(msg cycleCompleted) {
	if msg.err != nil {
		// the coordinator refused the cycle or it outlived the guard timeout
		state.logger.Warn("acquisition@cycling cycle not completed", zap.Error(msg.err))
		return
	}
	res := msg.result
	state.cycles++
	state.last = &res

	logger := state.logger.With(zap.String("cycle_id", res.ID), zap.String("transport", res.Transport))
	if res.Success && res.Snapshot != nil {
		state.lastSnapshot = res.Snapshot
		logger.Debug("acquisition@cycling snapshot acquired", zap.Int("readings", len(res.Snapshot.Readings)))
		PublishAll(state.eventStream, events.SnapshotToUpdateEvents(*res.Snapshot))
	} else {
		logger.Debug("acquisition@cycling cycle failed", zap.Error(res.Error), zap.Bool("stale", res.Stale))
	}
	state.eventStream.Publish(events.CycleResultToAcquisitionState(res, state.lastSnapshot))
}

func (state *AcquisitionActor) scheduleNext(ctx actor.Context, interval time.Duration) {
	state.logger.Debug("acquisition: next cycle", zap.Duration("in", interval))
	state.cancelTick = state.scheduler.RequestOnce(interval, ctx.Self(), acquisitionTick{})
}

func (state *AcquisitionActor) health(s string) domain.ActorHealthResponse {
	return domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_ACQUISITION,
		Healthy: true,
		State:   s,
	}
}

func (state *AcquisitionActor) lastCycle() domain.GetLastCycleResponse {
	if state.last == nil {
		return domain.GetLastCycleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: errors.New("no cycle completed yet")},
		}
	}
	resp := domain.GetLastCycleResponse{
		Cycles:    state.cycles,
		Transport: state.last.Transport,
		Success:   state.last.Success,
		Stale:     state.last.Stale,
	}
	if state.last.Error != nil {
		resp.Error = state.last.Error.Error()
	}
	return resp
}

func (state *AcquisitionActor) stopTimers() {
	if state.cancelTick != nil {
		state.cancelTick()
		state.cancelTick = nil
	}
}

func (state *AcquisitionActor) stop() {
	state.logger.Debug("acquisition: stopping")
	state.stopTimers()
	if state.cancelCycle != nil {
		state.cancelCycle()
	}
	if err := state.coordinator.Close(); err != nil {
		state.logger.Error("acquisition: close transports", zap.Error(err))
	}
}
