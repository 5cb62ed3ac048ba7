package store

import (
	"context"
	"fmt"
	"time"

	"github.com/firstline-io/firstline/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store interface {
	Building() Building
	Device() Device
	Credential() Credential
	Profile() Profile
	Twin() Twin
	Alert() Alert
	StatusHistory() StatusHistory
	Telemetry() Telemetry

	// Transaction runs fn with a Store bound to a single database
	// transaction. The transaction commits when fn returns nil.
	Transaction(ctx context.Context, fn func(Store) error) error

	InitialMigration() error
	CheckHealth(ctx context.Context) error
	Close() error
}

type DataStore struct {
	building      Building
	device        Device
	credential    Credential
	profile       Profile
	twin          Twin
	alert         Alert
	statusHistory StatusHistory
	telemetry     Telemetry

	db  *gorm.DB
	log logrus.FieldLogger
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		building:      NewBuilding(db, log),
		device:        NewDevice(db, log),
		credential:    NewCredential(db, log),
		profile:       NewProfile(db, log),
		twin:          NewTwin(db, log),
		alert:         NewAlert(db, log),
		statusHistory: NewStatusHistory(db, log),
		telemetry:     NewTelemetry(db, log),
		db:            db,
		log:           log,
	}
}

func InitDB(cfg *config.Config, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.Port,
	)

	newDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := newDB.DB()
	if err != nil {
		return nil, fmt.Errorf("configuring connections: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var version string
	if result := newDB.Raw("SELECT version()").Scan(&version); result.Error != nil {
		return nil, result.Error
	}
	log.Infof("PostgreSQL information: '%s'", version)

	return newDB, nil
}

func (s *DataStore) Building() Building           { return s.building }
func (s *DataStore) Device() Device               { return s.device }
func (s *DataStore) Credential() Credential       { return s.credential }
func (s *DataStore) Profile() Profile             { return s.profile }
func (s *DataStore) Twin() Twin                   { return s.twin }
func (s *DataStore) Alert() Alert                 { return s.alert }
func (s *DataStore) StatusHistory() StatusHistory { return s.statusHistory }
func (s *DataStore) Telemetry() Telemetry         { return s.telemetry }

func (s *DataStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.log))
	})
}

func (s *DataStore) InitialMigration() error {
	if err := s.Building().InitialMigration(); err != nil {
		return err
	}
	if err := s.Device().InitialMigration(); err != nil {
		return err
	}
	if err := s.Credential().InitialMigration(); err != nil {
		return err
	}
	if err := s.Profile().InitialMigration(); err != nil {
		return err
	}
	if err := s.Twin().InitialMigration(); err != nil {
		return err
	}
	if err := s.Alert().InitialMigration(); err != nil {
		return err
	}
	if err := s.StatusHistory().InitialMigration(); err != nil {
		return err
	}
	return s.Telemetry().InitialMigration()
}

func (s *DataStore) CheckHealth(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
