package questlabcli

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/rs/zerolog"
)

// Metrics publishes CloudWatch metrics for a service. The zero value discards
// everything, so handlers can carry one without checking whether it was configured.
type Metrics struct {
	service    Service
	cloudwatch cloudwatchiface.CloudWatchAPI
}

func NewMetrics(service Service, cloudwatch cloudwatchiface.CloudWatchAPI) Metrics {
	return Metrics{
		service,
		cloudwatch,
	}
}

type MetricName string

const (
	ResponseTimeMetric      MetricName = "ResponseTime"
	ConnectedMetric         MetricName = "Connected"
	ConnectRejectedMetric   MetricName = "ConnectRejected"
	DisconnectedMetric      MetricName = "Disconnected"
	MessageRejectedMetric   MetricName = "MessageRejected"
	TokenRefreshedMetric    MetricName = "TokenRefreshed"
	DeliveredMetric         MetricName = "Delivered"
	PrunedMetric            MetricName = "Pruned"
	DeliveryFailedMetric    MetricName = "DeliveryFailed"
	BroadcastRecipientsName MetricName = "BroadcastRecipients"
)

type DimensionName string

const (
	ServiceNameDimension    DimensionName = "Service"
	ServiceVersionDimension DimensionName = "Version"
	OperationNameDimension  DimensionName = "OperationName"
	RouteDimension          DimensionName = "Route"
	ActionDimension         DimensionName = "Action"
)

func defaultDimensions(service Service) map[DimensionName]string {
	return map[DimensionName]string{
		ServiceNameDimension:    service.Name,
		ServiceVersionDimension: service.Version,
	}
}

func mapToDimensions(ms ...map[DimensionName]string) []*cloudwatch.Dimension {
	var dimensions []*cloudwatch.Dimension
	for _, ds := range ms {
		for k, v := range ds {
			if v == "" {
				continue
			}
			dimensions = append(dimensions, &cloudwatch.Dimension{
				Name:  aws.String(string(k)),
				Value: aws.String(v),
			})
		}
	}
	return dimensions
}

func (m Metrics) put(ctx context.Context, unit string, values map[MetricName]float64, dimensions []map[DimensionName]string) {
	if m.cloudwatch == nil || len(values) == 0 {
		return
	}
	var (
		awsDimensions = mapToDimensions(append(dimensions, defaultDimensions(m.service))...)
		now           = time.Now()
		data          []*cloudwatch.MetricDatum
	)
	for name, value := range values {
		data = append(data, &cloudwatch.MetricDatum{
			MetricName: aws.String(string(name)),
			Timestamp:  aws.Time(now),
			Unit:       aws.String(unit),
			Value:      aws.Float64(value),
			Dimensions: awsDimensions,
		})
	}
	_, err := m.cloudwatch.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String("questlab-services"),
		MetricData: data,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("count", len(data)).Msg("couldn't publish metrics")
	}
}

func (m Metrics) Event(ctx context.Context, name MetricName, dimensions ...map[DimensionName]string) {
	m.put(ctx, cloudwatch.StandardUnitCount, map[MetricName]float64{name: 1}, dimensions)
}

// Counts publishes several counters in a single call. Zero counts are skipped.
func (m Metrics) Counts(ctx context.Context, counts map[MetricName]int, dimensions ...map[DimensionName]string) {
	values := map[MetricName]float64{}
	for name, n := range counts {
		if n > 0 {
			values[name] = float64(n)
		}
	}
	m.put(ctx, cloudwatch.StandardUnitCount, values, dimensions)
}

func (m Metrics) Timing(ctx context.Context, name MetricName, start time.Time, dimensions ...map[DimensionName]string) {
	m.put(ctx, cloudwatch.StandardUnitMilliseconds, map[MetricName]float64{name: float64(time.Since(start).Milliseconds())}, dimensions)
}

func (m Metrics) Gauge(ctx context.Context, name MetricName, value float64, dimensions ...map[DimensionName]string) {
	m.put(ctx, cloudwatch.StandardUnitNone, map[MetricName]float64{name: value}, dimensions)
}
