// Package logging configures the process-wide logrus logger for the CLI
// commands.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
	easy "github.com/t-tomalak/logrus-easy-formatter"

	"github.com/alagyn/tubular/logger"
)

// OutputSplitter routes error-level lines to stderr so log collectors
// classify them correctly.
// https://github.com/sirupsen/logrus/issues/403
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("[ERROR]")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Init configures the global logger: terse human-readable lines, with
// debug/trace levels switched on from the environment config.
func Init(debug, trace bool) {
	l := logrus.StandardLogger()
	l.SetOutput(&OutputSplitter{})
	l.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05",
		LogFormat:       "[%lvl%] %time% %msg%\n",
	})
	logger.L = logrus.NewEntry(l)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if trace {
		l.SetLevel(logrus.TraceLevel)
	}
}
