package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"brite-server/internal/infra/async"
	"brite-server/internal/lighting"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// TopicTimerEvents carries add/remove requests from links and local
	// call sites.
	TopicTimerEvents async.BrokerTopicName = "timer_events"

	EventAddTask    = "add_task"
	EventRemoveTask = "remove_task"

	_metricKeyFirings  = "task_firings"
	_metricKeyFailures = "task_failures"
)

// TaskStore persists the live task list.
type TaskStore interface {
	LoadTasks(ctx context.Context) ([]TimeTask, error)
	SaveTasks(ctx context.Context, tasks []TimeTask) error
}

// SchedulePublisher pushes the task-list blob to subscribed remote clients,
// typically the schedule transfer channel.
type SchedulePublisher interface {
	SetValue(value []byte)
}

// Scheduler owns the live task set. Each task runs a cancellable wait loop;
// the name-keyed cancel registry makes replace-by-name atomic.
type Scheduler struct {
	broker    async.InternalBroker
	store     TaskStore
	publisher SchedulePublisher
	registry  *async.CancelRegistry

	metricCounters map[string]metric.Float64Counter

	mu      sync.Mutex
	tasks   []TimeTask
	baseCtx context.Context
	wg      sync.WaitGroup
}

var _ async.Worker = (*Scheduler)(nil)

func NewScheduler(broker async.InternalBroker, store TaskStore, publisher SchedulePublisher) *Scheduler {
	return &Scheduler{
		broker:         broker,
		store:          store,
		publisher:      publisher,
		registry:       async.NewCancelRegistry(),
		metricCounters: make(map[string]metric.Float64Counter),
	}
}

// Run loads the persisted task list, arms a wait loop per task and then
// serves timer events until cancelled.
func (s *Scheduler) Run(ctx context.Context, done func()) {
	slog.Debug("scheduler started")
	defer done()
	s.setupCounters()

	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if s.store != nil {
		if tasks, err := s.store.LoadTasks(ctx); err != nil {
			slog.Error("loading task list", slog.Any("error", err))
		} else {
			s.mu.Lock()
			s.tasks = nil
			s.mu.Unlock()
			for _, task := range tasks {
				s.AddTask(task)
			}
		}
	}
	s.publishSnapshot()

	subscription, err := s.broker.Subscribe(TopicTimerEvents)
	if err != nil {
		slog.Error("subscribing to timer events", slog.Any("error", err))
		return
	}
	defer s.broker.Unsubscribe(TopicTimerEvents, subscription)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler cancelled")
			s.registry.CancelAll()
			s.wg.Wait()
			return
		case msg, ok := <-subscription.Receiver:
			if !ok {
				return
			}
			s.handleEvent(ctx, msg)
		}
	}
}

func (s *Scheduler) Shutdown() {
	s.registry.CancelAll()
}

func (s *Scheduler) handleEvent(ctx context.Context, msg async.BrokerMessage) {
	switch msg.Event {
	case EventAddTask:
		task, ok := msg.Value.(TimeTask)
		if !ok {
			slog.Error("add_task event without a task payload",
				slog.String("type", fmt.Sprintf("%T", msg.Value)))
			return
		}
		s.AddTask(task)
	case EventRemoveTask:
		name, ok := msg.Value.(string)
		if !ok {
			slog.Error("remove_task event without a task name",
				slog.String("type", fmt.Sprintf("%T", msg.Value)))
			return
		}
		s.RemoveTask(name)
	default:
		slog.Warn("timer event not supported", slog.String("event", msg.Event))
		return
	}
	s.persist(ctx)
	s.publishSnapshot()
}

// AddTask registers a task and arms its wait loop. Registration is
// idempotent by name: an existing task under the same name is cancelled and
// replaced before the new loop becomes visible.
func (s *Scheduler) AddTask(task TimeTask) {
	if task.Frequency == nil {
		slog.Error("refusing task without frequency", slog.String("task", task.Name))
		return
	}

	s.mu.Lock()
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	s.removeEntryLocked(task.Name)
	s.tasks = append(s.tasks, task)
	// Registering the cancel handle inside the same critical section keeps
	// the list entry and the running loop referring to the same definition
	// when two registrations race under one name.
	loopCtx, cancel := context.WithCancel(base)
	ticket := s.registry.Replace(task.Name, cancel)
	s.mu.Unlock()

	slog.Info("task armed",
		slog.String("task", task.Name),
		slog.String("operation", string(task.Operation)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := task.runLoop(loopCtx, func() error {
			return s.fire(loopCtx, task)
		})
		if errors.Is(err, context.Canceled) {
			slog.Debug("task loop cancelled", slog.String("task", task.Name))
			return
		}

		// The loop ended on its own: a completed Once or a failed
		// callback. Either way the live set must not keep claiming it.
		if s.registry.Forget(task.Name, ticket) {
			s.mu.Lock()
			s.removeEntryLocked(task.Name)
			s.mu.Unlock()
			s.persist(context.Background())
			s.publishSnapshot()
		}
		if err != nil {
			slog.Error("task loop terminated", slog.String("task", task.Name), slog.Any("error", err))
			s.count(_metricKeyFailures, task)
			return
		}
		slog.Info("task completed", slog.String("task", task.Name))
	}()
}

// RemoveTask cancels the wait loop under name and drops the list entry. It
// is a no-op if no such task exists.
func (s *Scheduler) RemoveTask(name string) {
	s.registry.Cancel(name)
	s.mu.Lock()
	s.removeEntryLocked(name)
	s.mu.Unlock()
}

// ReplaceAll swaps in a whole new task list, as delivered by a schedule
// channel write.
func (s *Scheduler) ReplaceAll(tasks []TimeTask) {
	s.mu.Lock()
	existing := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		existing = append(existing, t.Name)
	}
	s.mu.Unlock()

	for _, name := range existing {
		s.RemoveTask(name)
	}
	for _, task := range tasks {
		s.AddTask(task)
	}
}

// Tasks returns a snapshot of the live task list.
func (s *Scheduler) Tasks() []TimeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

func (s *Scheduler) removeEntryLocked(name string) {
	s.tasks = slices.DeleteFunc(s.tasks, func(t TimeTask) bool { return t.Name == name })
}

// fire dispatches the task's light command. For recurring tasks a dispatch
// failure is logged and swallowed so the loop lives on to the next
// occurrence; a Once propagates the failure and terminates.
func (s *Scheduler) fire(ctx context.Context, task TimeTask) error {
	slog.Info("task fired",
		slog.String("task", task.Name),
		slog.String("operation", string(task.Operation)))
	s.count(_metricKeyFirings, task)

	msg := async.BrokerMessage{Event: string(task.Operation)}
	err := s.broker.Publish(ctx, lighting.TopicEvents, msg)
	if err == nil {
		return nil
	}
	if task.Frequency.Recurs() {
		slog.Error("dispatching light command",
			slog.String("task", task.Name),
			slog.Any("error", err))
		return nil
	}
	return fmt.Errorf("dispatching %q: %w", task.Operation, err)
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTasks(ctx, s.Tasks()); err != nil {
		slog.Error("persisting task list", slog.Any("error", err))
	}
}

func (s *Scheduler) publishSnapshot() {
	if s.publisher == nil {
		return
	}
	blob, err := EncodeTasks(s.Tasks())
	if err != nil {
		slog.Error("encoding task list", slog.Any("error", err))
		return
	}
	s.publisher.SetValue(blob)
}

func (s *Scheduler) setupCounters() {
	meter := otel.Meter("brite_server")
	firings, _ := meter.Float64Counter(
		fmt.Sprintf("%s.%s", "brite_server", _metricKeyFirings),
		metric.WithDescription("scheduled task firings"),
	)
	failures, _ := meter.Float64Counter(
		fmt.Sprintf("%s.%s", "brite_server", _metricKeyFailures),
		metric.WithDescription("scheduled task loop failures"),
	)
	s.metricCounters[_metricKeyFirings] = firings
	s.metricCounters[_metricKeyFailures] = failures
}

func (s *Scheduler) count(key string, task TimeTask) {
	counter, ok := s.metricCounters[key]
	if !ok {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("task_name", task.Name),
		attribute.String("operation", string(task.Operation)),
	))
}
