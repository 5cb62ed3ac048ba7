package transport

import (
	"net/http"
	"strconv"

	"github.com/firstline-io/firstline/internal/service"
	"github.com/sirupsen/logrus"
)

// MQTTAuthHandler serves the broker's HTTP auth plugin callbacks.
// The broker posts form-urlencoded fields and reads only the status
// code: 200 allow, 401 deny, 403 forbidden. Bodies stay empty.
type MQTTAuthHandler struct {
	svc *service.BrokerAuthService
	log logrus.FieldLogger
}

func NewMQTTAuthHandler(svc *service.BrokerAuthService, log logrus.FieldLogger) *MQTTAuthHandler {
	return &MQTTAuthHandler{svc: svc, log: log}
}

// Auth handles POST /mqtt/auth with fields username, password.
func (h *MQTTAuthHandler) Auth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if h.svc.Authenticate(r.Context(), username, password) {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.log.WithField("username", username).Debug("broker auth denied")
	w.WriteHeader(http.StatusUnauthorized)
}

// Superuser handles POST /mqtt/superuser with field username.
func (h *MQTTAuthHandler) Superuser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if h.svc.Superuser(r.PostFormValue("username")) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// ACL handles POST /mqtt/acl with fields username, topic, acc.
func (h *MQTTAuthHandler) ACL(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	username := r.PostFormValue("username")
	topic := r.PostFormValue("topic")
	acc, err := strconv.Atoi(r.PostFormValue("acc"))
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if h.svc.Authorize(r.Context(), username, topic, service.ACLAccess(acc)) {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.log.WithFields(logrus.Fields{
		"username": username,
		"topic":    topic,
	}).Debug("broker acl denied")
	w.WriteHeader(http.StatusForbidden)
}
