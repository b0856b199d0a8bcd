package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// logger returns an entry carrying the standard package and function fields.
func logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":  "crypto",
		"function": function,
	})
}

// SecureFieldHash creates a short preview of sensitive data for logging.
// Only the first 8 bytes are ever rendered.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := len(data)
		if n > 8 {
			n = 8
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}

// OperationFields merges an operation name and status with extra fields.
func OperationFields(operation, status string, additional ...logrus.Fields) logrus.Fields {
	fields := logrus.Fields{
		"operation": operation,
		"status":    status,
	}
	for _, extra := range additional {
		for k, v := range extra {
			fields[k] = v
		}
	}
	return fields
}
