package logx

import "fmt"

// CronLogger adapts Logger to robfig/cron's Logger interface.
// cron's Info output is chatty (every schedule/wake), so it is logged at trace.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, append(kv(keysAndValues), Err(err))...)
}

func kv(keysAndValues []interface{}) []Field {
	out := make([]Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
