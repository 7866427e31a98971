package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
)

var (
	infoLogger  *log.Logger
	debugLogger *log.Logger

	DebugEnabled = false

	fileSink io.WriteCloser
)

// InitLogging sets up logging. Task logs are the only UI the platform
// surfaces, so everything always goes to stderr; logPath additionally
// mirrors output to a rotating file.
func InitLogging(debugMode bool, logPath string) error {
	DebugEnabled = debugMode

	sink := io.Writer(os.Stderr)

	if logPath != "" {
		logDir := filepath.Dir(logPath)

		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		rotating := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		}
		fileSink = rotating
		sink = io.MultiWriter(os.Stderr, rotating)
	}

	infoLogger = log.New(sink, "", log.Ldate|log.Ltime)
	debugLogger = log.New(sink, "", log.Ldate|log.Ltime|log.Lshortfile)

	return nil
}

// Close closes the rotating file sink if open.
func Close() {
	if fileSink != nil {
		fileSink.Close()
	}
}

func Infof(format string, v ...interface{}) {
	if infoLogger != nil {
		infoLogger.Printf("[INFO] "+format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if infoLogger != nil {
		infoLogger.Printf("[WARN] "+format, v...)
	}
}

// Errorf logs an error message.
func Errorf(format string, v ...interface{}) {
	if infoLogger != nil {
		infoLogger.Printf("[ERROR] "+format, v...)
	}
}

// Debugf logs only when debug mode is enabled.
func Debugf(format string, v ...interface{}) {
	if DebugEnabled && debugLogger != nil {
		debugLogger.Printf("[DEBUG] "+format, v...)
	}
}
