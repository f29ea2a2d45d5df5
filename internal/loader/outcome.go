package loader

import "github.com/pkg/errors"

// Fatal marks a job-fatal condition: an invariant violation no single
// record can be blamed for. The loader converts it into a Monitor halt
// instead of returning it to the caller. Everything else a loader returns
// is record-fatal: logged with context and surfaced to the dispatcher.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string {
	return "fatal: " + f.Err.Error()
}

func (f *Fatal) Unwrap() error {
	return f.Err
}

// Fatalf builds a job-fatal error.
func Fatalf(format string, args ...interface{}) *Fatal {
	return &Fatal{Err: errors.Errorf(format, args...)}
}

// IsFatal reports whether err is job-fatal anywhere in its chain.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
