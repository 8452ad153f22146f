package lighting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"brite-server/internal/infra/async"
)

const (
	// TopicEvents carries open/close/reset/set_scene events from links, the
	// scheduler and the button input.
	TopicEvents async.BrokerTopicName = "light_events"
	// TopicState carries opened/closed transitions for links that expose the
	// state characteristic.
	TopicState async.BrokerTopicName = "light_state"

	// linearStepInterval paces linear gradient interpolation.
	linearStepInterval = 60 * time.Millisecond
)

// Driver is the LED output collaborator.
type Driver interface {
	SetColor(RGB) error
	Off() error
}

// SceneStore persists the active scene.
type SceneStore interface {
	LoadScene(ctx context.Context) (Scene, error)
	SaveScene(ctx context.Context, scene Scene) error
	ResetScene(ctx context.Context) (Scene, error)
}

// ScenePublisher pushes a scene blob to subscribed remote clients, typically
// the scene transfer channel.
type ScenePublisher interface {
	SetValue(value []byte)
}

// Worker consumes light events and drives the LED driver, running gradient
// animations on their own cancellable goroutine.
type Worker struct {
	broker         async.InternalBroker
	driver         Driver
	store          SceneStore
	scenePublisher ScenePublisher

	mu         sync.Mutex
	scene      Scene
	state      State
	animCancel context.CancelFunc
	animWG     sync.WaitGroup
}

var _ async.Worker = (*Worker)(nil)

func NewWorker(broker async.InternalBroker, driver Driver, store SceneStore, scenePublisher ScenePublisher) *Worker {
	return &Worker{
		broker:         broker,
		driver:         driver,
		store:          store,
		scenePublisher: scenePublisher,
		scene:          DefaultScene(),
		state:          StateClosed,
	}
}

func (w *Worker) Run(ctx context.Context, done func()) {
	slog.Debug("light worker started")
	defer done()

	if scene, err := w.store.LoadScene(ctx); err != nil {
		slog.Error("loading scene", slog.Any("error", err))
	} else {
		w.mu.Lock()
		w.scene = scene
		w.mu.Unlock()
		// Remote readers see the persisted scene immediately, not only
		// after the next set_scene or reset.
		w.publishScene(scene)
		if scene.AutoOn {
			w.open(ctx)
		}
	}

	subscription, err := w.broker.Subscribe(TopicEvents)
	if err != nil {
		slog.Error("subscribing to light events", slog.Any("error", err))
		return
	}
	defer w.broker.Unsubscribe(TopicEvents, subscription)

	for {
		select {
		case <-ctx.Done():
			slog.Info("light worker cancelled")
			w.stopAnimation()
			return
		case msg, ok := <-subscription.Receiver:
			if !ok {
				return
			}
			w.handleEvent(ctx, msg)
		}
	}
}

func (w *Worker) Shutdown() {
	w.stopAnimation()
}

// CurrentState reports the externally visible light state.
func (w *Worker) CurrentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) handleEvent(ctx context.Context, msg async.BrokerMessage) {
	switch Command(msg.Event) {
	case CommandOpen:
		w.open(ctx)
	case CommandClose:
		w.close(ctx)
	case CommandSetScene:
		scene, ok := msg.Value.(Scene)
		if !ok {
			slog.Error("set_scene event without a scene payload",
				slog.String("type", fmt.Sprintf("%T", msg.Value)))
			return
		}
		w.setScene(ctx, scene)
	case CommandReset:
		w.reset(ctx)
	default:
		slog.Warn("light event not supported", slog.String("event", msg.Event))
	}
}

func (w *Worker) open(ctx context.Context) {
	w.stopAnimation()

	w.mu.Lock()
	scene := w.scene
	w.state = StateOpened
	w.mu.Unlock()

	switch color := scene.Color.(type) {
	case Solid:
		if err := w.driver.SetColor(color.Color); err != nil {
			slog.Error("setting solid color", slog.Any("error", err))
		}
	case Gradient:
		w.startAnimation(color)
	}

	w.publishState(ctx, StateOpened)
}

func (w *Worker) close(ctx context.Context) {
	w.stopAnimation()

	w.mu.Lock()
	w.state = StateClosed
	w.mu.Unlock()

	if err := w.driver.Off(); err != nil {
		slog.Error("turning light off", slog.Any("error", err))
	}
	w.publishState(ctx, StateClosed)
}

func (w *Worker) setScene(ctx context.Context, scene Scene) {
	w.mu.Lock()
	w.scene = scene
	opened := w.state == StateOpened
	w.mu.Unlock()

	if err := w.store.SaveScene(ctx, scene); err != nil {
		slog.Error("persisting scene", slog.Any("error", err))
	}
	slog.Info("scene applied", slog.String("scene", scene.Name))
	if opened || scene.AutoOn {
		w.open(ctx)
	}
}

func (w *Worker) reset(ctx context.Context) {
	scene, err := w.store.ResetScene(ctx)
	if err != nil {
		slog.Error("resetting scene", slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.scene = scene
	opened := w.state == StateOpened
	w.mu.Unlock()

	w.publishScene(scene)
	if opened {
		w.open(ctx)
	}
}

func (w *Worker) publishScene(scene Scene) {
	if w.scenePublisher == nil {
		return
	}
	blob, err := scene.Encode()
	if err != nil {
		slog.Error("encoding scene", slog.Any("error", err))
		return
	}
	w.scenePublisher.SetValue(blob)
}

func (w *Worker) startAnimation(gradient Gradient) {
	spans := gradient.Spans()
	if len(spans) == 0 {
		return
	}

	animCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.animCancel = cancel
	w.mu.Unlock()

	w.animWG.Add(1)
	go func() {
		defer w.animWG.Done()
		w.animate(animCtx, gradient.Linear, spans)
	}()
}

func (w *Worker) stopAnimation() {
	w.mu.Lock()
	cancel := w.animCancel
	w.animCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.animWG.Wait()
}

// animate cycles through the gradient spans until cancelled. Linear gradients
// interpolate within each span at a fixed step interval; stepped gradients
// hold each stop color for its duration.
func (w *Worker) animate(ctx context.Context, linear bool, spans []ColorSpan) {
	for current := 0; ; current++ {
		span := spans[current%len(spans)]
		if linear {
			started := time.Now()
			for {
				elapsed := time.Since(started)
				if elapsed >= span.Duration {
					break
				}
				color := Blend(span.StartColor, span.EndColor,
					float64(elapsed)/float64(span.Duration))
				if err := w.driver.SetColor(color); err != nil {
					slog.Error("gradient step", slog.Any("error", err))
					return
				}
				if !sleepCtx(ctx, linearStepInterval) {
					return
				}
			}
		} else {
			if err := w.driver.SetColor(span.EndColor); err != nil {
				slog.Error("gradient step", slog.Any("error", err))
				return
			}
			if !sleepCtx(ctx, span.Duration) {
				return
			}
		}
	}
}

func (w *Worker) publishState(ctx context.Context, state State) {
	msg := async.BrokerMessage{Event: string(state)}
	err := w.broker.Publish(ctx, TopicState, msg)
	if err != nil && !errors.Is(err, async.ErrTopicNotFound) {
		slog.Error("publishing light state", slog.Any("error", err))
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; it reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
