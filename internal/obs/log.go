// Package obs carries the warden observability surface: the shared JSON-line
// logger and the Prometheus metrics (HTTP plus access/approval/token domain
// counters).
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger. Everything warden logs goes through
// it as one JSON object per line: request completions, audit mirrors, rotation
// progress.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one structured JSON log line. The entry may carry secret
// identifiers (resource, field names) but never secret values; callers are
// responsible for that boundary.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
