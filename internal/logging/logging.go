// Package logging builds the logrus logger shared by the replica and the
// command line tools.
package logging

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const timeFormat = "2006-01-02 15:04:05"

var levelNames = map[logrus.Level]string{
	logrus.TraceLevel: "TRACE",
	logrus.DebugLevel: "DEBUG",
	logrus.InfoLevel:  "INFO",
	logrus.WarnLevel:  "WARN",
	logrus.ErrorLevel: "ERROR",
	logrus.FatalLevel: "FATAL",
	logrus.PanicLevel: "PANIC",
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.TraceLevel: color.New(color.FgCyan),
	logrus.DebugLevel: color.New(color.FgGreen),
	logrus.InfoLevel:  color.New(color.FgWhite),
	logrus.WarnLevel:  color.New(color.FgBlue),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
}

// Formatter writes one line per entry: time, level, message, then the
// fields sorted by key. Lines are colored by level unless NoColor is set
// or color output is disabled for the terminal.
type Formatter struct {
	NoColor bool
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format(timeFormat))
	fmt.Fprintf(&b, " %-5s %s", levelNames[e.Level], e.Message)

	keys := maps.Keys(e.Data)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	line := b.String()
	if c, ok := levelColors[e.Level]; ok && !f.NoColor && !color.NoColor {
		line = c.Sprint(line)
	}
	return append([]byte(line), '\n'), nil
}

// New returns a logger writing to out at the named level.
func New(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	l.SetFormatter(&Formatter{})
	return l, nil
}
