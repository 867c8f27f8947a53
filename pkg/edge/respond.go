package edge

import (
	"encoding/json"
	"net/http"

	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/telemetry"
)

func (m *Middleware) writeReject(w http.ResponseWriter, r *http.Request, d Reject, requestID string) {
	level := m.logger.Info
	if d.StatusCode >= http.StatusInternalServerError {
		level = m.logger.Error
	}
	level("edge request rejected",
		"request_id", requestID,
		"code", d.Code,
		"status", d.StatusCode,
		"host", r.Host,
		"path", r.URL.Path,
		"domain", d.Route.Domain,
	)

	for k, vs := range d.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	WriteError(w, d.StatusCode, domain.ErrorResponse{
		Code:      d.Code,
		Message:   d.Message,
		TraceID:   telemetry.TraceID(r.Context()),
		RequestID: requestID,
		Fields:    d.Fields,
	})
}

// WriteError writes resp as the JSON body of an error response.
func WriteError(w http.ResponseWriter, status int, resp domain.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
