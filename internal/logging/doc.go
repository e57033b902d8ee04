// Package logging provides structured logging for projectd.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Console output on stderr plus an optional JSON log file
//   - Automatic context field injection (trace_id, project, operation)
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	cfg.Output.File = filepath.Join(logsRoot, "projectd.log")
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	ctx = logging.WithProject(ctx, "alpha")
//	ctx = logging.WithOperation(ctx, "copy")
//	logger.Info(ctx, "project copied", zap.String("to", "alpha-2"))
//
// Packages below the CLI take a plain *zap.Logger; pass
// logger.Underlying() to them.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
package logging
