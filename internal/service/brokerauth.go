package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	internalServiceUser = "internal-service"
	healthCheckUser     = "health-check"

	deviceUserPrefix = "device_"
	sysTopicPrefix   = "$SYS/"
)

// ACLAccess mirrors the broker's access request values.
type ACLAccess int

const (
	ACLRead      ACLAccess = 1
	ACLWrite     ACLAccess = 2
	ACLReadWrite ACLAccess = 3
	ACLSubscribe ACLAccess = 4
)

// BrokerAuthService answers the MQTT broker's HTTP auth callbacks.
// Every broker connection and publish funnels through here, so all
// decisions are boolean and all failures fail closed.
type BrokerAuthService struct {
	store store.Store
	cfg   *config.Config
	log   logrus.FieldLogger
}

func NewBrokerAuthService(st store.Store, cfg *config.Config, log logrus.FieldLogger) *BrokerAuthService {
	return &BrokerAuthService{store: st, cfg: cfg, log: log}
}

// Authenticate decides a CONNECT. Backend services use the shared
// internal credential; devices authenticate as device_{uuid} with
// either their access token or, for mTLS listeners, the certificate CN
// the broker forwards as the username with an empty password.
func (s *BrokerAuthService) Authenticate(ctx context.Context, username, password string) bool {
	switch username {
	case internalServiceUser:
		return s.checkInternalPassword(password)
	case healthCheckUser:
		// Broker-side liveness probe; read-only access is enforced in ACL.
		return true
	}

	deviceID, ok := parseDeviceUsername(username)
	if !ok {
		s.log.WithField("username", username).Debug("rejecting unknown username shape")
		return false
	}

	credential, err := s.store.Credential().GetByDeviceID(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, flerrors.ErrResourceNotFound) {
			s.log.WithError(err).WithField("device", deviceID).Error("credential lookup failed, failing closed")
		}
		return false
	}
	if !credential.IsActive {
		return false
	}

	switch api.CredentialType(credential.CredentialType) {
	case api.CredentialTypeAccessToken:
		if credential.AccessTokenHash == nil {
			return false
		}
		if bcrypt.CompareHashAndPassword([]byte(*credential.AccessTokenHash), []byte(password)) != nil {
			return false
		}
	case api.CredentialTypeX509:
		// The TLS handshake already proved key possession; the broker
		// hands us the verified certificate CN as the username.
		if credential.CertificateCN == nil || *credential.CertificateCN != username {
			return false
		}
		if credential.CertificateExpiry != nil && credential.CertificateExpiry.Before(time.Now()) {
			return false
		}
	default:
		return false
	}

	s.markCredentialUsed(ctx, deviceID)
	return true
}

// Superuser decides whether the client bypasses ACL checks entirely.
// Only the backend itself qualifies.
func (s *BrokerAuthService) Superuser(username string) bool {
	return username == internalServiceUser
}

// Authorize decides a publish/subscribe against a topic. Devices are
// confined to their own topic prefix; the health checker may only read
// broker metrics.
func (s *BrokerAuthService) Authorize(ctx context.Context, username, topic string, access ACLAccess) bool {
	switch username {
	case internalServiceUser:
		return true
	case healthCheckUser:
		return strings.HasPrefix(topic, sysTopicPrefix) && (access == ACLRead || access == ACLSubscribe)
	}

	deviceID, ok := parseDeviceUsername(username)
	if !ok {
		return false
	}
	device, err := s.store.Device().Get(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, flerrors.ErrResourceNotFound) {
			s.log.WithError(err).WithField("device", deviceID).Error("device lookup failed, failing closed")
		}
		return false
	}
	building, err := s.store.Building().Get(ctx, device.BuildingID)
	if err != nil {
		return false
	}
	return strings.HasPrefix(topic, mqtt.DeviceTopicPrefix(building.AgencyID, deviceID))
}

func (s *BrokerAuthService) checkInternalPassword(password string) bool {
	expected := s.cfg.MQTT.Password
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1
}

func (s *BrokerAuthService) markCredentialUsed(ctx context.Context, deviceID uuid.UUID) {
	if err := s.store.Credential().TouchLastUsed(ctx, deviceID, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("device", deviceID).Debug("failed to record credential use")
	}
}

func parseDeviceUsername(username string) (uuid.UUID, bool) {
	raw, found := strings.CutPrefix(username, deviceUserPrefix)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
