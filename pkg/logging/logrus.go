package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubComponentField is the field used to name a part of a component, for
// example a single transport within the agent.
const SubComponentField = "subcomponent"

type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// SubLogger is the narrower logger handed to collaborators that only emit
// entries.
type SubLogger interface {
	logrus.FieldLogger
}

func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

// Sub returns a logger for a named part of the given component logger.
func Sub(log logrus.FieldLogger, name string) SubLogger {
	return log.WithField(SubComponentField, name)
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// JSON switches the root logger to structured JSON output, used when the agent
// runs under a journal that indexes fields.
func JSON() Setter {
	return func(r *logrus.Logger) error {
		r.SetFormatter(&logrus.JSONFormatter{})
		return nil
	}
}
