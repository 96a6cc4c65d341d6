package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	level    = INFO
	stdlog   = log.New(os.Stderr, "", log.LstdFlags)
	levelTag = map[Level]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}
)

func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w *log.Logger) {
	mu.Lock()
	stdlog = w
	mu.Unlock()
}

func logC(l Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	min := level
	out := stdlog
	mu.RUnlock()

	if l < min {
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] [%s] %s", levelTag[l], component, msg))

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}

	out.Println(b.String())
}

func DebugC(component, msg string)                                 { logC(DEBUG, component, msg, nil) }
func InfoC(component, msg string)                                  { logC(INFO, component, msg, nil) }
func WarnC(component, msg string)                                  { logC(WARN, component, msg, nil) }
func ErrorC(component, msg string)                                 { logC(ERROR, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]interface{}) { logC(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]interface{})  { logC(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]interface{})  { logC(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]interface{}) { logC(ERROR, component, msg, fields) }
