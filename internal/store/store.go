// Package store persists device configuration in the on-device sqlite
// database: the active scene and the scheduled task list, each as a single
// named blob.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brite-server/internal/infra/sql"
	"brite-server/internal/lighting"
	"brite-server/internal/scheduler"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	_blobScene    = "scene"
	_blobSchedule = "schedule"
)

// ConfigBlob is one named configuration value. The scene blob holds the same
// JSON bytes the transfer channel carries; the schedule blob is msgpack.
type ConfigBlob struct {
	Name      string `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

type ConfigStore struct {
	orm sql.ORM
}

var (
	_ lighting.SceneStore = (*ConfigStore)(nil)
	_ scheduler.TaskStore = (*ConfigStore)(nil)
)

func NewConfigStore(orm sql.ORM) (*ConfigStore, error) {
	if err := orm.AutoMigrate(&ConfigBlob{}); err != nil {
		return nil, fmt.Errorf("migrating config blobs: %w", err)
	}
	return &ConfigStore{orm: orm}, nil
}

// LoadScene returns the persisted scene, or the default scene when none was
// ever saved.
func (s *ConfigStore) LoadScene(ctx context.Context) (lighting.Scene, error) {
	data, err := s.load(ctx, _blobScene)
	if errors.Is(err, sql.ErrRecordNotFound) {
		return lighting.DefaultScene(), nil
	}
	if err != nil {
		return lighting.Scene{}, err
	}

	scene, err := lighting.DecodeScene(data)
	if err != nil {
		return lighting.Scene{}, fmt.Errorf("stored scene blob: %w", err)
	}
	return scene, nil
}

func (s *ConfigStore) SaveScene(ctx context.Context, scene lighting.Scene) error {
	data, err := scene.Encode()
	if err != nil {
		return err
	}
	return s.save(ctx, _blobScene, data)
}

// ResetScene drops the persisted scene and returns the default.
func (s *ConfigStore) ResetScene(ctx context.Context) (lighting.Scene, error) {
	err := s.orm.WithContext(ctx).Delete(&ConfigBlob{}, "name = ?", _blobScene).Error()
	if err != nil {
		return lighting.Scene{}, fmt.Errorf("deleting scene blob: %w", err)
	}
	return lighting.DefaultScene(), nil
}

func (s *ConfigStore) LoadTasks(ctx context.Context) ([]scheduler.TimeTask, error) {
	data, err := s.load(ctx, _blobSchedule)
	if errors.Is(err, sql.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []taskRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("stored schedule blob: %w", err)
	}

	tasks := make([]scheduler.TimeTask, 0, len(records))
	for _, record := range records {
		task, err := record.task()
		if err != nil {
			return nil, fmt.Errorf("stored schedule blob: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *ConfigStore) SaveTasks(ctx context.Context, tasks []scheduler.TimeTask) error {
	records := make([]taskRecord, 0, len(tasks))
	for _, task := range tasks {
		record, err := newTaskRecord(task)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding schedule blob: %w", err)
	}
	return s.save(ctx, _blobSchedule, data)
}

func (s *ConfigStore) load(ctx context.Context, name string) ([]byte, error) {
	var blob ConfigBlob
	err := s.orm.WithContext(ctx).First(&blob, "name = ?", name).Error()
	if err != nil {
		if errors.Is(err, sql.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading %s blob: %w", name, err)
	}
	return blob.Data, nil
}

func (s *ConfigStore) save(ctx context.Context, name string, data []byte) error {
	blob := ConfigBlob{Name: name, Data: data, UpdatedAt: time.Now().UTC()}
	if err := s.orm.WithContext(ctx).Save(&blob).Error(); err != nil {
		return fmt.Errorf("saving %s blob: %w", name, err)
	}
	return nil
}

// taskRecord is the msgpack row layout for one scheduled task.
type taskRecord struct {
	Name      string     `msgpack:"name"`
	Operation string     `msgpack:"operation"`
	Kind      string     `msgpack:"kind"`
	EndTime   *time.Time `msgpack:"end_time,omitempty"`
	DayOfWeek *int       `msgpack:"day_of_week,omitempty"`
	At        *time.Time `msgpack:"at,omitempty"`
}

func newTaskRecord(task scheduler.TimeTask) (taskRecord, error) {
	record := taskRecord{Name: task.Name, Operation: string(task.Operation)}
	switch f := task.Frequency.(type) {
	case scheduler.Once:
		record.Kind = "once"
		record.EndTime = &f.EndTime
	case scheduler.Day:
		record.Kind = "day"
		record.At = &f.At
	case scheduler.Week:
		record.Kind = "week"
		record.DayOfWeek = &f.DayOfWeek
		record.At = &f.At
	default:
		return taskRecord{}, fmt.Errorf("task %q has no storable frequency", task.Name)
	}
	return record, nil
}

func (r taskRecord) task() (scheduler.TimeTask, error) {
	task := scheduler.TimeTask{Name: r.Name, Operation: lighting.Command(r.Operation)}
	switch r.Kind {
	case "once":
		if r.EndTime == nil {
			return scheduler.TimeTask{}, fmt.Errorf("once task %q without end time", r.Name)
		}
		task.Frequency = scheduler.Once{EndTime: *r.EndTime}
	case "day":
		if r.At == nil {
			return scheduler.TimeTask{}, fmt.Errorf("day task %q without time of day", r.Name)
		}
		task.Frequency = scheduler.Day{At: *r.At}
	case "week":
		if r.At == nil || r.DayOfWeek == nil {
			return scheduler.TimeTask{}, fmt.Errorf("week task %q missing fields", r.Name)
		}
		task.Frequency = scheduler.Week{DayOfWeek: *r.DayOfWeek, At: *r.At}
	default:
		return scheduler.TimeTask{}, fmt.Errorf("task %q has unknown kind %q", r.Name, r.Kind)
	}
	return task, nil
}
