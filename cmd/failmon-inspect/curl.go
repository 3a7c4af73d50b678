package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
)

// asCurl renders a shell command that repeats the failed request. Only the
// method and URL are known, so bodies and headers are not reproduced.
func asCurl(record failurelog.FailureRecord) string {
	parts := []string{"curl", "-sS", "-o", "/dev/null", "-w", shellQuote("%{http_code}\n")}
	method := strings.ToUpper(strings.TrimSpace(record.Method))
	switch method {
	case "", http.MethodGet:
	case http.MethodHead:
		parts = append(parts, "-I")
	default:
		parts = append(parts, "-X", method)
	}
	if record.Initiator != "" {
		parts = append(parts, "-H", shellQuote(fmt.Sprintf("Origin: %s", record.Initiator)))
	}
	parts = append(parts, shellQuote(record.URL))
	return strings.Join(parts, " ")
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "'\\''") + "'"
}
