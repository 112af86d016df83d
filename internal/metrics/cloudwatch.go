package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"depthflow/logger"
)

type metricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    metricPutter
	namespace string
	handlerID MetricHandlerID
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch builds a CloudWatch client and registers it as a metric
// handler so every EmitMetric call is published under namespace.
func InitCloudWatch(ctx context.Context, region, namespace string) error {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	enableCloudWatch(cloudwatch.NewFromConfig(cfg), namespace)
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cfg.Region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")
	return nil
}

func enableCloudWatch(client metricPutter, namespace string) {
	if namespace == "" {
		namespace = "Depthflow"
	}
	state := &cloudWatchState{client: client, namespace: namespace}
	state.handlerID = RegisterMetricHandler(func(m Metric) {
		publishMetricDatum(context.Background(), state, m)
	})
	if prev := cwState.Swap(state); prev != nil {
		UnregisterMetricHandler(prev.handlerID)
	}
}

// CloudWatchEnabled reports whether emitted metrics are being published.
// The runtime report is the only periodic emitter, so callers start it
// whenever this is true.
func CloudWatchEnabled() bool {
	return cwState.Load() != nil
}

// DisableCloudWatch stops publishing.
func DisableCloudWatch() {
	if prev := cwState.Swap(nil); prev != nil {
		UnregisterMetricHandler(prev.handlerID)
	}
}

func publishMetricDatum(ctx context.Context, state *cloudWatchState, m Metric) {
	unit, ok := metricUnitFromString(m.Unit)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": m.Name, "unit": m.Unit}).Debug("unsupported metric unit; defaulting to Count")
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(state.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(m.Name),
			Dimensions: dims,
			Unit:       unit,
			Value:      aws.Float64(m.Value),
			Timestamp:  aws.Time(m.Timestamp),
		}},
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metric")
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "megabytes":
		return cwtypes.StandardUnitMegabytes, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
