package reactor

//Logger structured key-value logger. Conventional keys: "level" (debug, info, warn, error), "msg", "err".
type Logger interface {
	Log(keyvals ...interface{}) error
}

type nopLogger struct {
}

func (n *nopLogger) Log(keyvals ...interface{}) error {
	return nil
}

//NopLogger return logger that discards everything.
func NopLogger() Logger {
	return &nopLogger{}
}
