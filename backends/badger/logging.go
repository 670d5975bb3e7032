package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
)

// loggerAdapter adapts hclog.Logger to badger.Logger.
type loggerAdapter struct {
	l hclog.Logger
}

func (a *loggerAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error(fmt.Sprintf(format, args...))
}

func (a *loggerAdapter) Warningf(format string, args ...interface{}) {
	a.l.Warn(fmt.Sprintf(format, args...))
}

func (a *loggerAdapter) Infof(format string, args ...interface{}) {
	a.l.Info(fmt.Sprintf(format, args...))
}

func (a *loggerAdapter) Debugf(format string, args ...interface{}) {
	a.l.Debug(fmt.Sprintf(format, args...))
}

func newLogger(l hclog.Logger) badger.Logger {
	return &loggerAdapter{l: l}
}
