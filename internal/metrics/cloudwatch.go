// Package metrics publishes per-run counters of the broadcaster.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"phrasecast/internal/types"
)

// Metric and dimension names.
const (
	MetricRunCompleted   = "RunCompleted"
	MetricMessagesSent   = "MessagesSent"
	MetricMessagesFailed = "MessagesFailed"
	MetricRunDuration    = "RunDuration"

	DimOutcome = "Outcome"

	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher emits one PutMetricData call per run.
//
// Metrics emitted:
//   - RunCompleted: Dims {Outcome}, value 1
//   - MessagesSent, MessagesFailed: no dims, counts
//   - RunDuration: no dims, milliseconds
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchPublisher creates a publisher for namespace.
func NewCloudWatchPublisher(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchPublisher{client: client, namespace: namespace, logger: logger}
}

// PublishRun sends the run's counters. Failures are logged and returned; a
// run never fails because its metrics could not be written.
func (p *CloudWatchPublisher) PublishRun(ctx context.Context, rec types.RunRecord) error {
	outcome := OutcomeSuccess
	if rec.Err != nil {
		outcome = OutcomeFailed
	}
	ts := aws.Time(rec.FinishedAt)

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricRunCompleted),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  ts,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
				},
			},
			{
				MetricName: aws.String(MetricMessagesSent),
				Value:      aws.Float64(float64(rec.Sent)),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  ts,
			},
			{
				MetricName: aws.String(MetricMessagesFailed),
				Value:      aws.Float64(float64(rec.Failed)),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  ts,
			},
			{
				MetricName: aws.String(MetricRunDuration),
				Value:      aws.Float64(float64(rec.FinishedAt.Sub(rec.StartedAt).Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Timestamp:  ts,
			},
		},
	}

	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish run metrics",
			"error", err.Error(),
			"run_id", rec.RunID,
			"slot", rec.Slot,
		)
		return err
	}
	return nil
}

// Noop discards run metrics. Used when METRICS_ENABLED is false.
type Noop struct{}

func (Noop) PublishRun(context.Context, types.RunRecord) error { return nil }

var (
	_ types.MetricsPublisher = (*CloudWatchPublisher)(nil)
	_ types.MetricsPublisher = Noop{}
)
