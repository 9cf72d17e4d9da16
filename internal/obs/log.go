package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// Logger is the shared line logger. One JSON object per line, no prefix; the
// collector adds host metadata.
var Logger = sync.OnceValue(func() *log.Logger {
	return log.New(os.Stdout, "", 0)
})

// LogRequest writes one structured log line. Callers supply ts and level.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
