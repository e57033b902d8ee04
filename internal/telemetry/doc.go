// Package telemetry sets up OpenTelemetry providers for projectd.
//
// # Overview
//
// projectd never talks to the network, so spans and metrics are exported as
// JSON lines to a local file. When telemetry is disabled the providers are
// no-ops and instrumented code pays almost nothing.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, &cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	m, err := project.New(ctx, pcfg,
//	    project.WithTracerProvider(tel.TracerProvider()),
//	    project.WithMeterProvider(tel.MeterProvider()),
//	)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  file: "/home/me/.local/state/projectd/telemetry.jsonl"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	m, _ := project.New(ctx, pcfg,
//	    project.WithTracerProvider(tt.TracerProvider()),
//	    project.WithMeterProvider(tt.MeterProvider()),
//	)
//	...
//	tt.AssertSpanExists(t, "project.create")
//	assert.Equal(t, int64(1), tt.CounterValue(t, "projectd.projects.created_total"))
package telemetry
