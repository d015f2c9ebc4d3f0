package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogEmitter writes one structured line per event.
type LogEmitter struct {
	log *logrus.Entry
}

// NewLogEmitter logs events through log, or the standard logger when nil.
func NewLogEmitter(log *logrus.Entry) *LogEmitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(_ context.Context, evt Event) {
	fields := logrus.Fields{"event": evt.EventType()}
	for k, v := range evt.Attributes() {
		fields[k] = v
	}
	e.log.WithFields(fields).Info("event emitted")
}
