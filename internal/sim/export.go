package sim

import (
	"context"
	"fmt"

	"hmp-sched/internal/database"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ExportReport says where a run's results went.
type ExportReport struct {
	Metadata *database.RunMetadata
	// InfluxSamples is zero when InfluxDB is not configured or not reachable.
	InfluxSamples int
	SpoolPath     string
}

// Export writes res to InfluxDB when configured and always to a spool
// artifact. Samples InfluxDB did not take are kept in the artifact.
func (r *Runner) Export(ctx context.Context, res *Result) (*ExportReport, error) {
	ctx, span := startSpan(ctx, "sim.export",
		attribute.String("run.id", res.RunID),
		attribute.Int("run.samples", len(res.Samples)),
	)
	rep, err := r.export(ctx, res)
	endSpan(span, err)
	return rep, err
}

func (r *Runner) export(ctx context.Context, res *Result) (*ExportReport, error) {
	meta := database.CollectRunMetadata(res.RunID, r.cfg, r.content, res.Stats, res.Start, res.End, r.version)
	meta.RecordedEvents = res.Recorded
	rep := &ExportReport{Metadata: meta}

	spooled := res.Samples
	if r.cfg.Export.Influx.Enabled() {
		n, err := r.exportInflux(ctx, res, meta)
		if err != nil {
			r.logger.WithError(err).Warn("InfluxDB export failed, keeping samples in the spool artifact")
		} else {
			rep.InfluxSamples = n
			spooled = nil
		}
	}

	artifact := database.BuildSpoolArtifact(res.RunID, r.cfg, r.content, res.Stats, meta, spooled, res.Start, res.End)
	path, err := database.WriteSpoolArtifact(r.cfg.Export.SpoolDir, artifact)
	if err != nil {
		return rep, fmt.Errorf("failed to write spool artifact: %w", err)
	}
	rep.SpoolPath = path

	r.logger.WithFields(logrus.Fields{
		"run_id":         res.RunID,
		"influx_samples": rep.InfluxSamples,
		"spool":          path,
	}).Info("Run exported")
	return rep, nil
}

func (r *Runner) exportInflux(ctx context.Context, res *Result, meta *database.RunMetadata) (int, error) {
	client, err := database.NewInfluxDBClient(r.cfg.Export.Influx)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	n, err := client.WriteSamples(ctx, res.RunID, res.Samples)
	if err != nil {
		return n, err
	}
	meta.ExportedSamples = int64(n)
	if err := client.WriteMetadata(ctx, meta); err != nil {
		return n, err
	}
	return n, nil
}
