// Package common provides the shared logging infrastructure and small
// utilities used across the unpackd service. Logging is built on logrus with
// output routing that sends error-level entries to stderr and everything else
// to stdout, so containerized deployments can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stdout or stderr based on
// their level. It inspects the rendered output for the logrus error marker,
// which works with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing "level=error" or
// `"level":"error"` go to stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all packages. It is
// pre-wired with the OutputSplitter; callers may adjust level and formatter
// at startup (see NewLogger and ConfigureLogger).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
