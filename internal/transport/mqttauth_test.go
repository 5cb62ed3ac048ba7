package transport_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	api "github.com/firstline-io/firstline/api/v1"
	"github.com/firstline-io/firstline/internal/config"
	"github.com/firstline-io/firstline/internal/service"
	"github.com/firstline-io/firstline/internal/store"
	"github.com/firstline-io/firstline/internal/store/model"
	"github.com/firstline-io/firstline/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type mqttAuthFixture struct {
	handler  *transport.MQTTAuthHandler
	agencyID uuid.UUID
	deviceID uuid.UUID
	token    string
}

func newMQTTAuthFixture(t *testing.T) *mqttAuthFixture {
	t.Helper()
	log := logrus.New()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	st := store.NewStore(db, log)
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	building := &model.Building{ID: uuid.New(), Name: "hq", AgencyID: uuid.New()}
	require.NoError(t, st.Building().Create(ctx, building))

	device := &model.Device{
		Name:       "mic-1",
		DeviceType: string(api.DeviceTypeMicrophone),
		BuildingID: building.ID,
	}
	require.NoError(t, st.Device().Create(ctx, device))

	token := "raw-device-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	hashStr := string(hash)
	require.NoError(t, st.Credential().Put(ctx, &model.DeviceCredential{
		DeviceID:        device.ID,
		CredentialType:  string(api.CredentialTypeAccessToken),
		AccessTokenHash: &hashStr,
		IsActive:        true,
	}))

	cfg := config.NewDefault()
	cfg.MQTT.Password = "broker-secret"

	svc := service.NewBrokerAuthService(st, cfg, log)
	return &mqttAuthFixture{
		handler:  transport.NewMQTTAuthHandler(svc, log),
		agencyID: building.AgencyID,
		deviceID: device.ID,
		token:    token,
	}
}

func postForm(t *testing.T, handler http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestMQTTAuthEndpoint(t *testing.T) {
	f := newMQTTAuthFixture(t)
	username := "device_" + f.deviceID.String()

	rec := postForm(t, f.handler.Auth, url.Values{"username": {username}, "password": {f.token}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = postForm(t, f.handler.Auth, url.Values{"username": {username}, "password": {"wrong"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, rec.Body.String())

	rec = postForm(t, f.handler.Auth, url.Values{"username": {"internal-service"}, "password": {"broker-secret"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMQTTSuperuserEndpoint(t *testing.T) {
	f := newMQTTAuthFixture(t)

	rec := postForm(t, f.handler.Superuser, url.Values{"username": {"internal-service"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(t, f.handler.Superuser, url.Values{"username": {"device_" + f.deviceID.String()}})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestMQTTACLEndpoint(t *testing.T) {
	f := newMQTTAuthFixture(t)
	username := "device_" + f.deviceID.String()
	ownTopic := fmt.Sprintf("agency/%s/device/%s/telemetry", f.agencyID, f.deviceID)

	rec := postForm(t, f.handler.ACL, url.Values{"username": {username}, "topic": {ownTopic}, "acc": {"2"}})
	require.Equal(t, http.StatusOK, rec.Code)

	foreign := fmt.Sprintf("agency/%s/device/%s/telemetry", f.agencyID, uuid.New())
	rec = postForm(t, f.handler.ACL, url.Values{"username": {username}, "topic": {foreign}, "acc": {"2"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postForm(t, f.handler.ACL, url.Values{"username": {username}, "topic": {ownTopic}, "acc": {"not-a-number"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
