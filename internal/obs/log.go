package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Emit writes a structured JSON log line. The ts/level/msg keys are filled in
// so callers only supply event-specific fields.
func Emit(level, msg string, fields map[string]any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Info emits an info-level structured line.
func Info(msg string, fields map[string]any) { Emit("info", msg, fields) }

// Warn emits a warn-level structured line.
func Warn(msg string, fields map[string]any) { Emit("warn", msg, fields) }

// Error emits an error-level structured line.
func Error(msg string, fields map[string]any) { Emit("error", msg, fields) }
