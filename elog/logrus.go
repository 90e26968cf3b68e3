package elog

import (
	"maps"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
)

type (
	// Event is the logiface event used by the logrus backend. It buffers
	// fields on a pooled logrus.Entry until Write.
	Event struct {
		Entry *logrus.Entry
		lvl   logiface.Level
		//lint:ignore U1000 embedded for it's methods
		unimplementedEvent
	}

	// logrusWriter implements the logiface writer, factory and releaser
	// interfaces on top of a single logrus.Logger.
	logrusWriter struct {
		logrus *logrus.Logger
	}

	//lint:ignore U1000 used to embed without exporting
	unimplementedEvent = logiface.UnimplementedEvent
)

var eventPool = sync.Pool{New: func() any {
	return &Event{Entry: &logrus.Entry{
		Data: make(logrus.Fields, 6),
	}}
}}

// withLogrus wires a logrus logger as the writer, event factory and event
// releaser of a logiface logger.
func withLogrus(logger *logrus.Logger) logiface.Option[*Event] {
	w := &logrusWriter{logrus: logger}
	return logiface.WithOptions(
		logiface.WithWriter[*Event](w),
		logiface.WithEventFactory[*Event](w),
		logiface.WithEventReleaser[*Event](w),
	)
}

func (x *Event) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

func (x *Event) AddField(key string, val any) {
	x.Entry.Data[key] = val
}

func (x *Event) AddMessage(msg string) bool {
	x.Entry.Message = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.Entry.Data[logrus.ErrorKey] = err
	return true
}

func (x *logrusWriter) NewEvent(level logiface.Level) *Event {
	event := eventPool.Get().(*Event)
	event.lvl = level
	event.Entry.Logger = x.logrus
	return event
}

func (x *logrusWriter) ReleaseEvent(event *Event) {
	clear(event.Entry.Data)
	*event.Entry = logrus.Entry{Data: event.Entry.Data}
	*event = Event{Entry: event.Entry}
	eventPool.Put(event)
}

func (x *logrusWriter) Write(event *Event) error {
	level, ok := toLogrusLevel(event.Level())
	if !ok || !event.Entry.Logger.IsLevelEnabled(level) {
		return logiface.ErrDisabled
	}

	// WithFields copies, and the pooled map is reused after release
	entry := logrus.NewEntry(event.Entry.Logger).WithFields(maps.Clone(event.Entry.Data))

	// Entry.Log never exits, even at FatalLevel, the fatal helpers in this
	// package own process termination
	entry.Log(level, event.Entry.Message)

	return nil
}

// toLogrusLevel maps logiface levels onto the smaller logrus set.
func toLogrusLevel(level logiface.Level) (logrus.Level, bool) {
	switch level {
	case logiface.LevelTrace:
		return logrus.TraceLevel, true
	case logiface.LevelDebug:
		return logrus.DebugLevel, true
	case logiface.LevelInformational:
		return logrus.InfoLevel, true
	case logiface.LevelNotice, logiface.LevelWarning:
		return logrus.WarnLevel, true
	case logiface.LevelError, logiface.LevelCritical:
		return logrus.ErrorLevel, true
	case logiface.LevelAlert, logiface.LevelEmergency:
		// PanicLevel would panic inside logrus
		return logrus.FatalLevel, true
	default:
		return logrus.PanicLevel, false
	}
}
