// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Metric exporters for OpenTelemetry instruments.
const (
	MeterPrometheus = "prometheus"
	MeterStdout     = "stdout"
	MeterNone       = "none"
)

// NewMeterProvider builds the provider behind OpenTelemetry instruments.
//
// # Description
//
// "prometheus" registers the exporter on reg so the instruments appear on
// the same /metrics page as the client_golang collectors. "stdout" prints
// periodically. "none" returns a provider with no reader: instruments
// work but nothing is exported.
//
// # Outputs
//
//   - *metric.MeterProvider: Call Shutdown on exit.
//   - error: Unknown exporter or registration failure.
func NewMeterProvider(exporter, serviceName string, reg prometheus.Registerer) (*metric.MeterProvider, error) {
	res := resource.NewWithAttributes("", attribute.String("service.name", serviceName))

	switch exporter {
	case MeterPrometheus:
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(exp)), nil
	case MeterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exp)),
		), nil
	case MeterNone:
		return metric.NewMeterProvider(metric.WithResource(res)), nil
	default:
		return nil, fmt.Errorf("unknown metric exporter %q", exporter)
	}
}
