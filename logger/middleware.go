package logger

import (
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

// Middleware attaches a request-scoped log entry to every inbound
// request, stamped with a correlation id. The id is taken from the
// caller's X-Request-ID when present and echoed back on the response,
// so either end of a controller/node exchange can be matched to the
// other side's log.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			newUUID, _ := uuid.NewV4()
			id = newUUID.String()
		}
		w.Header().Set("X-Request-ID", id)

		log := L.WithFields(logrus.Fields{
			"request-id": id,
			"method":     r.Method,
			"request":    r.RequestURI,
			"remote":     r.RemoteAddr,
		})
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), log)))
	})
}
