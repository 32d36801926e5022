package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// PionFactory routes pion's internal loggers through pterm. Each pion scope
// ("ice", "dtls", "pc", ...) is prefixed onto the message.
type PionFactory struct{}

var _ logging.LoggerFactory = PionFactory{}

func (PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l pionLogger) Trace(msg string) { Trace("%s", l.prefix(msg)) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	Trace("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Debug(msg string) { Debug("%s", l.prefix(msg)) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	Debug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

// pion reports routine progress at info; keep it below our own info output.
func (l pionLogger) Info(msg string) { Debug("%s", l.prefix(msg)) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	Debug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Warn(msg string) { Warn("%s", l.prefix(msg)) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	Warn("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l pionLogger) Error(msg string) { Error("%s", l.prefix(msg)) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	Error("%s", l.prefix(fmt.Sprintf(format, args...)))
}
