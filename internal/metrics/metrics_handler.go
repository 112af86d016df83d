package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"depthflow/logger"
)

// Metric is a structured metric event emitted by the pipeline.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Unit      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics, for example to forward them to CloudWatch.
type MetricHandler func(Metric)

// MetricHandlerID uniquely identifies a registered metric handler.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler registers a handler that receives every emitted metric.
// A zero identifier is returned when handler is nil.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	id := nextMetricHandlerID
	metricHandlers[id] = handler
	return id
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// EmitMetric logs a metric at debug level and hands it to every registered
// handler. Metrics without a name are dropped.
func EmitMetric(component, name string, value float64, unit string, fields logger.Fields) {
	if name == "" {
		return
	}
	if unit == "" {
		unit = "count"
	}

	userFields := cloneFields(fields)

	log := logger.GetLogger().WithComponent(component)
	if log.Enabled(logrus.DebugLevel) {
		logFields := cloneFields(userFields)
		logFields["metric"] = name
		logFields["unit"] = unit
		logFields["value"] = value
		log.WithFields(logFields).Debug("metric")
	}

	dispatchMetric(Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Unit:      unit,
		Fields:    userFields,
	})
}

func dispatchMetric(metric Metric) {
	metricHandlersMu.RLock()
	if len(metricHandlers) == 0 {
		metricHandlersMu.RUnlock()
		return
	}

	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, handler := range metricHandlers {
		handlers = append(handlers, handler)
	}
	metricHandlersMu.RUnlock()

	for _, handler := range handlers {
		handler(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
