package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"brite-server/cmd/config"
	"brite-server/internal/ble"
	"brite-server/internal/gateway"
	"brite-server/internal/infra/async"
	"brite-server/internal/infra/mqtt"
	"brite-server/internal/infra/sql"
	"brite-server/internal/lighting"
	"brite-server/internal/scheduler"
	"brite-server/internal/store"
	"brite-server/internal/transfer"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

var (
	logLevelMapping = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func main() {
	config := config.LoadConfig()

	level := logLevelMapping[config.General.LogLevel]
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level, ReplaceAttr: slogReplaceAttr})
	slog.SetDefault(slog.New(handler))
	slog.Info("💡 brite device is initializing")
	slog.Debug("config loaded", "data", config)

	shutdownOtel := startOTel()

	internalBroker := async.NewLocalBroker()

	orm, err := sql.NewSqliteORM(config.Database.Path)
	if err != nil {
		slog.Error("opening device database", slog.Any("error", err))
		panic(err)
	}
	configStore, err := store.NewConfigStore(orm)
	if err != nil {
		slog.Error("initializing config store", slog.Any("error", err))
		panic(err)
	}

	appCtx, cancelFn := context.WithCancel(context.Background())

	// The write-finish callbacks close the loop from a remote write back into
	// the domain: a completed scene write becomes a set_scene event, a
	// completed schedule write replaces the task set.
	var scheduledTasks *scheduler.Scheduler
	sceneChannel := transfer.NewChannel("scene", func(ctx context.Context, value []byte) error {
		scene, err := lighting.DecodeScene(value)
		if err != nil {
			return err
		}
		msg := async.BrokerMessage{Event: string(lighting.CommandSetScene), Value: scene}
		return internalBroker.Publish(ctx, lighting.TopicEvents, msg)
	})
	scheduleChannel := transfer.NewChannel("schedule", func(ctx context.Context, value []byte) error {
		tasks, err := scheduler.DecodeTasks(value)
		if err != nil {
			return err
		}
		scheduledTasks.ReplaceAll(tasks)
		return configStore.SaveTasks(ctx, tasks)
	})
	channels := map[string]*transfer.Channel{
		"scene":    sceneChannel,
		"schedule": scheduleChannel,
	}

	lightWorker := lighting.NewWorker(internalBroker, newDriver(config.LED), configStore, sceneChannel)
	scheduledTasks = scheduler.NewScheduler(internalBroker, configStore, scheduleChannel)

	workers := []async.Worker{sceneChannel, scheduleChannel, lightWorker, scheduledTasks}

	sceneNotifiers := transfer.MultiNotifier{}
	scheduleNotifiers := transfer.MultiNotifier{}

	if config.MQTTClient.Enabled {
		mqttClient, err := mqtt.NewSimpleClient(mqtt.SimpleClientOpts{
			Broker:   config.MQTTClient.Broker,
			ClientID: config.MQTTClient.ClientID,
			Username: config.MQTTClient.Username,
			Password: config.MQTTClient.Password, //pragma: allowlist secret
		})
		if err != nil {
			slog.Error("connecting to mqtt broker", slog.Any("error", err))
			panic(err)
		}
		gatewayWorker := gateway.NewWorker(mqttClient, internalBroker, config.General.DeviceID, config.Transfer.MTU, channels)
		sceneNotifiers = append(sceneNotifiers, gatewayWorker.Notifier("scene"))
		scheduleNotifiers = append(scheduleNotifiers, gatewayWorker.Notifier("schedule"))
		workers = append(workers, gatewayWorker)
	}

	if config.Bluetooth.Enabled {
		peripheral := ble.NewPeripheral(
			internalBroker,
			config.Bluetooth.LocalName,
			config.Transfer.MTU,
			ble.DefaultEndpoints(sceneChannel, scheduleChannel),
		)
		sceneNotifiers = append(sceneNotifiers, peripheral.Notifier("scene"))
		scheduleNotifiers = append(scheduleNotifiers, peripheral.Notifier("schedule"))
		workers = append(workers, peripheral)
	}

	sceneChannel.SetNotifier(sceneNotifiers)
	scheduleChannel.SetNotifier(scheduleNotifiers)

	var wg sync.WaitGroup
	for _, worker := range workers {
		wg.Add(1)
		go worker.Run(appCtx, wg.Done)
	}

	signalChannel := make(chan os.Signal, 2)
	signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM)

	<-signalChannel
	shutdownOtel()

	cancelFn()
	for _, worker := range workers {
		worker.Shutdown()
	}
	wg.Wait()
	internalBroker.Stop()
	slog.Info("good bye!!!")
	os.Exit(0)
}

func newDriver(cfg config.LEDConfig) lighting.Driver {
	if cfg.RedPath == "" || cfg.GreenPath == "" || cfg.BluePath == "" {
		slog.Warn("no led paths configured, using log driver")
		return lighting.LogDriver{}
	}
	return lighting.NewSysfsDriver(cfg.RedPath, cfg.GreenPath, cfg.BluePath)
}

func slogReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		source.File = filepath.Base(source.File)
		return slog.Any(a.Key, source)
	}
	return a
}

type ShutdownFunc func() error

const (
	_defautlEndpoint = "localhost:4317"
	_collectPeriod   = 30 * time.Second
	_collectTimeout  = 35 * time.Second
	_minimumInterval = time.Minute
)

var (
	_histogramBuckets = []float64{5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000, 25000, 50000, 100000}
)

func startOTel() ShutdownFunc {
	slog.Info("starting OTel providers")
	shutdown, err := otelStart(context.Background())
	if err != nil {
		panic(err)
	}

	return shutdown
}

func otelStart(ctx context.Context) (ShutdownFunc, error) {
	metricsShutdownFunc, err := startMetricsProvider(ctx)
	if err != nil {
		return nil, err
	}

	traceShutdownFunc, err := startTraceProvider(ctx)
	if err != nil {
		return nil, err
	}

	return func() error {
		if err := metricsShutdownFunc(); err != nil {
			return err
		}
		if err := traceShutdownFunc(); err != nil {
			return err
		}
		return nil
	}, nil
}

func startTraceProvider(ctx context.Context) (ShutdownFunc, error) {
	exp, err := newTraceExporter(ctx)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("brite-server"),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() error {
		return tp.Shutdown(ctx)
	}, nil
}

func newTraceExporter(ctx context.Context) (trace.SpanExporter, error) {
	endpoint := _defautlEndpoint
	if value, ok := os.LookupEnv("BRITE_SERVER_OTELCOL_ENDPOINT"); ok {
		endpoint = value
	}

	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

func startMetricsProvider(ctx context.Context) (ShutdownFunc, error) {
	exp, err := newMetricExporter(ctx)
	if err != nil {
		return nil, err
	}

	mp := newMeterProvider(exp)
	otel.SetMeterProvider(mp)

	err = runtime.Start(runtime.WithMinimumReadMemStatsInterval(_minimumInterval))
	if err != nil {
		return nil, err
	}

	return func() error {
		return mp.Shutdown(ctx)
	}, nil
}

func newMetricExporter(ctx context.Context) (metric.Exporter, error) {
	endpoint := _defautlEndpoint
	if value, ok := os.LookupEnv("BRITE_SERVER_OTELCOL_ENDPOINT"); ok {
		endpoint = value
	}

	return otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
}

func newMeterProvider(metricExporter metric.Exporter) *metric.MeterProvider {
	return metric.NewMeterProvider(
		metric.WithReader(
			metric.NewPeriodicReader(
				metricExporter,
				metric.WithTimeout(_collectTimeout),
				metric.WithInterval(_collectPeriod))),
		metric.WithView(metric.NewView(
			metric.Instrument{
				Name: "*",
				Kind: metric.InstrumentKindHistogram,
			},
			metric.Stream{
				Aggregation: metric.AggregationExplicitBucketHistogram{
					Boundaries: _histogramBuckets,
				},
			},
		)),
	)
}
