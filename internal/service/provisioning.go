// Package service implements the operations behind the HTTP transport:
// device provisioning, broker authentication, and profile management.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/crypto"
	"github.com/firstline-io/firstline/internal/flerrors"
	"github.com/firstline-io/firstline/internal/mqtt"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenBytes = 32
	bcryptCost       = 12
)

// ProvisionRequest describes the device to create and the credential
// type to mint for it.
type ProvisionRequest struct {
	Name           string             `json:"name"`
	DeviceType     api.DeviceType     `json:"device_type"`
	BuildingID     uuid.UUID          `json:"building_id"`
	AgencyID       uuid.UUID          `json:"agency_id"`
	CredentialType api.CredentialType `json:"credential_type"`
	ProfileID      *uuid.UUID         `json:"profile_id,omitempty"`
}

// ProvisionResult carries the freshly minted secret material. The raw
// token and the certificate private key appear here and nowhere else;
// only the bcrypt hash and the public certificate are persisted.
type ProvisionResult struct {
	DeviceID       uuid.UUID          `json:"device_id"`
	CredentialType api.CredentialType `json:"credential_type"`

	AccessToken *string `json:"access_token,omitempty"`

	CertificatePEM *string    `json:"certificate_pem,omitempty"`
	PrivateKeyPEM  *string    `json:"private_key_pem,omitempty"`
	CACertPEM      *string    `json:"ca_certificate_pem,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	MQTT MQTTConnectionInfo `json:"mqtt"`
}

// MQTTConnectionInfo tells the device how to reach the broker.
type MQTTConnectionInfo struct {
	BrokerURL      string `json:"broker_url"`
	Username       string `json:"username"`
	TopicPrefix    string `json:"topic_prefix"`
	TelemetryTopic string `json:"telemetry_topic"`
	RegisterTopic  string `json:"register_topic"`
}

type ProvisioningService struct {
	store store.Store
	ca    *crypto.CA
	cfg   *config.Config
	log   logrus.FieldLogger
}

func NewProvisioningService(st store.Store, ca *crypto.CA, cfg *config.Config, log logrus.FieldLogger) *ProvisioningService {
	return &ProvisioningService{store: st, ca: ca, cfg: cfg, log: log}
}

// Provision creates the device and mints its credential in one atomic
// transaction: no orphan device row if the credential insert fails, no
// stray credential if the device insert fails.
func (s *ProvisioningService) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: device name is required", flerrors.ErrInvalidArgument)
	}
	if req.DeviceType == "" {
		return nil, fmt.Errorf("%w: device type is required", flerrors.ErrInvalidArgument)
	}

	building, err := s.store.Building().Get(ctx, req.BuildingID)
	if err != nil {
		if errors.Is(err, flerrors.ErrResourceNotFound) {
			return nil, fmt.Errorf("%w: building %s does not exist", flerrors.ErrInvalidArgument, req.BuildingID)
		}
		return nil, err
	}
	if building.AgencyID != req.AgencyID {
		return nil, fmt.Errorf("%w: building %s belongs to agency %s, not %s",
			flerrors.ErrInvalidArgument, req.BuildingID, building.AgencyID, req.AgencyID)
	}
	if req.ProfileID != nil {
		if _, err := s.store.Profile().Get(ctx, *req.ProfileID); err != nil {
			if errors.Is(err, flerrors.ErrResourceNotFound) {
				return nil, fmt.Errorf("%w: profile %s does not exist", flerrors.ErrInvalidArgument, *req.ProfileID)
			}
			return nil, err
		}
	} else {
		s.log.WithField("device", req.Name).Warn("provisioning a device with no profile; its telemetry will not be schema-validated")
	}

	deviceID := uuid.New()
	device := &model.Device{
		ID:                 deviceID,
		Name:               req.Name,
		DeviceType:         string(req.DeviceType),
		BuildingID:         req.BuildingID,
		ProfileID:          req.ProfileID,
		Status:             string(api.DeviceStatusOffline),
		ProvisioningStatus: string(api.ProvisioningStatusPending),
	}
	credential := &model.DeviceCredential{
		DeviceID: deviceID,
		IsActive: true,
	}
	result := &ProvisionResult{
		DeviceID:       deviceID,
		CredentialType: req.CredentialType,
		MQTT: MQTTConnectionInfo{
			BrokerURL:      s.cfg.MQTT.BrokerURL,
			Username:       crypto.DeviceCertCN(deviceID),
			TopicPrefix:    mqtt.DeviceTopicPrefix(building.AgencyID, deviceID),
			TelemetryTopic: mqtt.DeviceTopic(building.AgencyID, deviceID, mqtt.SuffixTelemetry),
			RegisterTopic:  mqtt.DeviceTopic(building.AgencyID, deviceID, mqtt.SuffixRegister),
		},
	}

	switch req.CredentialType {
	case api.CredentialTypeAccessToken:
		token, hash, err := newAccessToken()
		if err != nil {
			return nil, err
		}
		credential.CredentialType = string(api.CredentialTypeAccessToken)
		credential.AccessTokenHash = &hash
		result.AccessToken = &token

	case api.CredentialTypeX509:
		signed, err := s.ca.SignDeviceCert(deviceID, building.AgencyID, crypto.DeviceCertValidityDays)
		if err != nil {
			return nil, fmt.Errorf("signing device certificate: %w", err)
		}
		credential.CredentialType = string(api.CredentialTypeX509)
		credential.CertificatePEM = lo.ToPtr(string(signed.CertPEM))
		credential.CertificateCN = &signed.CN
		credential.CertificateExpiry = &signed.Expiry
		result.CertificatePEM = lo.ToPtr(string(signed.CertPEM))
		result.PrivateKeyPEM = lo.ToPtr(string(signed.KeyPEM))
		result.CACertPEM = lo.ToPtr(string(s.ca.CertPEM()))
		result.ExpiresAt = &signed.Expiry

	default:
		return nil, fmt.Errorf("%w: unsupported credential type %q", flerrors.ErrValidation, req.CredentialType)
	}

	err = s.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.Device().Create(ctx, device); err != nil {
			return err
		}
		return tx.Credential().Put(ctx, credential)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"device":         deviceID,
		"credentialType": req.CredentialType,
	}).Info("device provisioned")
	return result, nil
}

// ProvisioningStatus summarizes a device's credential state without
// exposing any secret material.
type ProvisioningStatus struct {
	DeviceID           uuid.UUID          `json:"device_id"`
	ProvisioningStatus string             `json:"provisioning_status"`
	CredentialType     *api.CredentialType `json:"credential_type,omitempty"`
	CredentialActive   bool               `json:"credential_active"`
	CertificateExpiry  *time.Time         `json:"certificate_expiry,omitempty"`
	LastUsedAt         *time.Time         `json:"last_used_at,omitempty"`
}

// Status reports the device's provisioning state.
func (s *ProvisioningService) Status(ctx context.Context, deviceID uuid.UUID) (*ProvisioningStatus, error) {
	device, err := s.store.Device().Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	status := &ProvisioningStatus{
		DeviceID:           deviceID,
		ProvisioningStatus: device.ProvisioningStatus,
	}
	credential, err := s.store.Credential().GetByDeviceID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, flerrors.ErrResourceNotFound) {
			return status, nil
		}
		return nil, err
	}
	status.CredentialType = lo.ToPtr(api.CredentialType(credential.CredentialType))
	status.CredentialActive = credential.IsActive
	status.CertificateExpiry = credential.CertificateExpiry
	status.LastUsedAt = credential.LastUsedAt
	return status, nil
}

// Deprovision deactivates the device's credential and returns it to
// unprovisioned. The broker rejects its next connection attempt.
func (s *ProvisioningService) Deprovision(ctx context.Context, deviceID uuid.UUID) error {
	device, err := s.store.Device().Get(ctx, deviceID)
	if err != nil {
		return err
	}
	err = s.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.Credential().DeactivateByDeviceID(ctx, deviceID); err != nil &&
			!errors.Is(err, flerrors.ErrResourceNotFound) {
			return err
		}
		device.ProvisioningStatus = string(api.ProvisioningStatusUnprovisioned)
		return tx.Device().Update(ctx, device)
	})
	if err != nil {
		return err
	}
	s.log.WithField("device", deviceID).Info("device deprovisioned")
	return nil
}

func newAccessToken() (token, hash string, err error) {
	raw := make([]byte, accessTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating access token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing access token: %w", err)
	}
	return token, string(hashed), nil
}
