package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"brite-server/internal/lighting"
)

// pollCeiling bounds one sleep of a wait loop; a stepped clock is therefore
// observed within this interval.
const pollCeiling = 30 * time.Second

// TimeTask is one scheduled lighting command. Name is the unique key into
// the live task set: registering a task under an existing name replaces the
// prior task.
type TimeTask struct {
	Name      string
	Operation lighting.Command
	Frequency Frequency
}

// runLoop waits out the task's occurrences and invokes fire at each one. It
// returns nil when the task is naturally complete (Once), ctx.Err on
// cancellation, and the callback's error if firing fails, terminating the
// loop.
func (t TimeTask) runLoop(ctx context.Context, fire func() error) error {
	for {
		target := t.Frequency.Next(time.Now())
		if target.Before(time.Now()) {
			// Only a Once in the past lands here; it completes unfired.
			return nil
		}

		for {
			remaining := time.Until(target)
			if remaining <= 0 {
				break
			}
			if remaining > pollCeiling {
				remaining = pollCeiling
			}
			if !sleepCtx(ctx, remaining) {
				return ctx.Err()
			}
		}

		if err := fire(); err != nil {
			return fmt.Errorf("firing task %q: %w", t.Name, err)
		}
		if !t.Frequency.Recurs() {
			return nil
		}
	}
}

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

// taskHeader is the flattened JSON layout shared with clients: the frequency
// fields sit next to name/operation with a "kind" discriminator.
type taskHeader struct {
	Name      string           `json:"name"`
	Operation lighting.Command `json:"operation"`
	Kind      string           `json:"kind"`
	EndTime   *time.Time       `json:"endTime,omitempty"`
	DayOfWeek *int             `json:"dayOfWeek,omitempty"`
	At        *time.Time       `json:"delay,omitempty"`
}

func (t TimeTask) MarshalJSON() ([]byte, error) {
	kind, err := frequencyKind(t.Frequency)
	if err != nil {
		return nil, err
	}
	header := taskHeader{Name: t.Name, Operation: t.Operation, Kind: kind}
	switch f := t.Frequency.(type) {
	case Once:
		header.EndTime = &f.EndTime
	case Day:
		header.At = &f.At
	case Week:
		header.DayOfWeek = &f.DayOfWeek
		header.At = &f.At
	}
	return json.Marshal(header)
}

func (t *TimeTask) UnmarshalJSON(data []byte) error {
	var header taskHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	t.Name = header.Name
	t.Operation = header.Operation
	switch header.Kind {
	case "once":
		if header.EndTime == nil {
			return fmt.Errorf("scheduler: once task %q without endTime", header.Name)
		}
		t.Frequency = Once{EndTime: *header.EndTime}
	case "day":
		if header.At == nil {
			return fmt.Errorf("scheduler: day task %q without delay", header.Name)
		}
		t.Frequency = Day{At: *header.At}
	case "week":
		if header.At == nil || header.DayOfWeek == nil {
			return fmt.Errorf("scheduler: week task %q missing fields", header.Name)
		}
		if *header.DayOfWeek < 1 || *header.DayOfWeek > 7 {
			return fmt.Errorf("scheduler: week task %q day of week %d out of range", header.Name, *header.DayOfWeek)
		}
		t.Frequency = Week{DayOfWeek: *header.DayOfWeek, At: *header.At}
	default:
		return fmt.Errorf("scheduler: unknown frequency kind %q", header.Kind)
	}
	return nil
}

// DecodeTasks parses the task-list blob carried by the schedule transfer
// channel.
func DecodeTasks(data []byte) ([]TimeTask, error) {
	var tasks []TimeTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decoding task list: %w", err)
	}
	return tasks, nil
}

// EncodeTasks renders the blob served over the schedule transfer channel.
func EncodeTasks(tasks []TimeTask) ([]byte, error) {
	if tasks == nil {
		tasks = []TimeTask{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("encoding task list: %w", err)
	}
	return data, nil
}
