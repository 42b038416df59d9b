package virtiofwd

import "github.com/sirupsen/logrus"

// newLogger builds the log entry a Core logs through, generalizing the teacher's per-VM `Debug bool` into a
// standard logrus level so production deployments can turn this core's
// logging down without recompiling.
func newLogger(level logrus.Level) *logrus.Entry {
	l := logrus.New()
	l.SetLevel(level)
	return l.WithField("component", "virtiofwd")
}
