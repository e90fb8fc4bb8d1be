package log

import (
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/go-kit/log"
	kitlog "github.com/go-kit/log"
	"github.com/videoswarm/upswarm/cache"
)

// loggerCache holds one decorated logger per entity (job id, batch id or
// worker id) so that repeated log calls for the same entity don't repeat
// the cost of rebuilding its context fields.
var loggerCache = cache.New[kitlog.Logger]()

// AddContext permanently attaches extra key/value context to every future
// log line for this entity id.
func AddContext(entityID string, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(entityID), redactKeyvals(keyvals...)...)
	loggerCache.Store(entityID, logger)
}

func Log(entityID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(entityID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// LogNoRequestID logs in situations where no entity id is available. Should
// be used sparingly and with as much context inserted into the message as
// possible.
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(entityID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(entityID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(entityID string) kitlog.Logger {
	if logger := loggerCache.Get(entityID); logger != nil {
		return logger
	}
	newLogger := kitlog.With(newLogger(), "id", entityID)
	loggerCache.Store(entityID, newLogger)
	return newLogger
}

// logDestination is where every logger built by newLogger writes.
var logDestination io.Writer = os.Stderr

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(log.NewSyncWriter(logDestination))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	var res []interface{}
	for i := range keyvals {
		if i%2 == 1 {
			k, v := keyvals[i-1], keyvals[i]
			res = append(res, k)
			switch s := v.(type) {
			case string:
				res = append(res, RedactURL(s))
			case url.URL:
				res = append(res, s.Redacted())
			case *url.URL:
				if s != nil {
					res = append(res, s.Redacted())
				}
			default:
				res = append(res, v)
			}
		}
	}
	return res
}

func RedactLogs(str, delim string) string {
	if delim == "" {
		return str
	}

	splitstr := strings.Split(str, delim)
	if len(splitstr) == 1 {
		return str
	}

	redactedstr := []string{}
	for _, v := range splitstr {
		r := RedactURL(v)
		redactedstr = append(redactedstr, r)
	}
	return strings.Join(redactedstr[:], delim)
}

func RedactURL(str string) string {
	strLower := strings.ToLower(str)
	if !strings.HasPrefix(strLower, "http") && !strings.HasPrefix(strLower, "s3") {
		return str
	}

	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}
