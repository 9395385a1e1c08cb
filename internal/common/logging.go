package common

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component loggers. All output goes to stderr so stdout stays free for
// engine stdio traffic.
var (
	BrokerLogger  *zap.SugaredLogger
	EngineLogger  *zap.SugaredLogger
	GatewayLogger *zap.SugaredLogger
	CLILogger     *zap.SugaredLogger
)

func init() {
	// No-op loggers until InitializeLogging runs, so early call sites
	// never hit a nil logger.
	nop := zap.NewNop().Sugar()
	BrokerLogger = nop
	EngineLogger = nop
	GatewayLogger = nop
	CLILogger = nop
}

// InitializeLogging configures the component loggers at the given level.
// Accepted levels: debug, info, warn, error.
func InitializeLogging(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		parsed,
	)
	root := zap.New(core)

	BrokerLogger = root.Named("broker").Sugar()
	EngineLogger = root.Named("engine").Sugar()
	GatewayLogger = root.Named("gateway").Sugar()
	CLILogger = root.Named("cli").Sugar()
	return nil
}

// SyncLogging flushes buffered log entries. Safe to call at any time.
func SyncLogging() {
	for _, l := range []*zap.SugaredLogger{BrokerLogger, EngineLogger, GatewayLogger, CLILogger} {
		if l != nil {
			_ = l.Sync()
		}
	}
}
