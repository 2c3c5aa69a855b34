package mongostore

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// Server error codes returned when a deployment cannot run multi-document
// transactions: IllegalOperation, OperationNotSupportedInTransaction and
// NotAReplicaSetMember style failures on standalone servers.
var notSupportedCodes = []int{20, 51, 263}

// IsNotSupported reports whether err means transactions are unavailable on
// the connected deployment.
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range notSupportedCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "illegal operation"):
		return true
	case strings.Contains(msg, "transaction") && strings.Contains(msg, "replica set"):
		return true
	case strings.Contains(msg, "transaction") && strings.Contains(msg, "session"):
		return true
	case strings.Contains(msg, "session") && strings.Contains(msg, "not supported"):
		return true
	}
	return false
}
