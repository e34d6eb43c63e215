package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	busyMeasurement = "hmp_busy"
	metaMeasurement = "hmp_run_meta"

	// writeBatchSize bounds the points sent in one write request.
	writeBatchSize = 5000
)

// BusySample is one cpu's window statistics at a simulated instant.
type BusySample struct {
	At               time.Time
	CPU              int
	Cluster          string
	BusyPct          int
	NewTaskPct       int
	PrevLoadUS       int64
	FreqKHz          uint32
	NrRunning        int
	CumulativeDemand int64
	EarlyDetection   bool
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
	logger   logrus.FieldLogger
}

func NewInfluxDBClient(cfg config.InfluxConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy: %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		logger:   logger,
	}, nil
}

// ListRunIDs returns the runs that wrote busy samples in the last 30 days.
func (idb *InfluxDBClient) ListRunIDs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "%s")
		|> keep(columns: ["run_id"])
		|> distinct(column: "run_id")
	`, idb.bucket, busyMeasurement)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query run ids: %w", err)
	}
	defer result.Close()

	var ids []string
	for result.Next() {
		if id, ok := result.Record().Value().(string); ok {
			ids = append(ids, id)
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query results: %w", result.Err())
	}
	return ids, nil
}

// WriteSamples writes samples in batches. It returns how many points were
// written before the first failure.
func (idb *InfluxDBClient) WriteSamples(ctx context.Context, runID string, samples []BusySample) (int, error) {
	written := 0
	points := make([]*write.Point, 0, min(len(samples), writeBatchSize))
	flush := func() error {
		if len(points) == 0 {
			return nil
		}
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write busy samples: %w", err)
		}
		written += len(points)
		points = points[:0]
		return nil
	}
	for i := range samples {
		points = append(points, samplePoint(runID, &samples[i]))
		if len(points) == writeBatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	idb.logger.WithFields(logrus.Fields{"run_id": runID, "points": written}).Debug("Busy samples written")
	return written, nil
}

func samplePoint(runID string, s *BusySample) *write.Point {
	return influxdb2.NewPoint(busyMeasurement,
		map[string]string{
			"run_id":  runID,
			"cpu":     strconv.Itoa(s.CPU),
			"cluster": s.Cluster,
		},
		map[string]interface{}{
			"busy_pct":          s.BusyPct,
			"new_task_pct":      s.NewTaskPct,
			"prev_load_us":      s.PrevLoadUS,
			"freq_khz":          int64(s.FreqKHz),
			"nr_running":        s.NrRunning,
			"cumulative_demand": s.CumulativeDemand,
			"early_detection":   s.EarlyDetection,
		},
		s.At)
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	if err := idb.writeAPI.WritePoint(ctx, metadataPoint(metadata, time.Now())); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func metadataPoint(metadata *RunMetadata, at time.Time) *write.Point {
	return influxdb2.NewPoint(metaMeasurement,
		map[string]string{
			"run_id": metadata.RunID,
		},
		map[string]interface{}{
			"run_name":         metadata.RunName,
			"description":      metadata.Description,
			"trace_checksum":   metadata.TraceChecksum,
			"run_started":      metadata.RunStarted,
			"run_finished":     metadata.RunFinished,
			"wall_seconds":     metadata.WallSeconds,
			"simulated_ms":     metadata.SimulatedMS,
			"tick_us":          metadata.TickUS,
			"total_ticks":      metadata.TotalTicks,
			"total_tasks":      metadata.TotalTasks,
			"simulated_cpus":   metadata.SimulatedCPUs,
			"clusters":         metadata.Clusters,
			"window_ms":        metadata.WindowMS,
			"window_policy":    metadata.WindowPolicy,
			"clock_source":     metadata.ClockSource,
			"driver_version":   metadata.DriverVersion,
			"hostname":         metadata.Hostname,
			"os_info":          metadata.OSInfo,
			"kernel_version":   metadata.KernelVersion,
			"cpu_vendor":       metadata.CPUVendor,
			"cpu_model":        metadata.CPUModel,
			"host_cpus":        metadata.HostCPUs,
			"recorded_events":  metadata.RecordedEvents,
			"exported_samples": metadata.ExportedSamples,
			"config_file":      metadata.ConfigFile,
		},
		at)
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
