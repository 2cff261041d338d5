package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

var (
	S3       = newLogger("s3")
	Internal = newLogger("internal")
	HTTP     = newLogger("http")
	Cleanup  = newLogger("cleanup")
)

func newLogger(prefix string) *log.Logger {
	return log.NewWithOptions(os.Stdout, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      log.DefaultTimeFormat,
	})
}

// SetLevel applies the named level ("debug", "info", "warn", "error") to every logger.
func SetLevel(name string) error {
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	for _, l := range []*log.Logger{S3, Internal, HTTP, Cleanup} {
		l.SetLevel(level)
	}
	return nil
}
