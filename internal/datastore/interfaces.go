// Package datastore keeps the stall transition and calibration history in
// SQLite or MySQL through GORM.
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/errors"
	"github.com/tphakala/stallwatch/internal/logger"
)

// DefaultSlowQueryThreshold is the duration above which statements are
// logged as slow.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// Interface abstracts the underlying database.
type Interface interface {
	Open() error
	SaveEvent(ctx context.Context, event *StallEvent) error
	SaveEvents(ctx context.Context, events []StallEvent) error
	SaveCalibration(ctx context.Context, cal *Calibration) error
	RecentEvents(ctx context.Context, limit int) ([]StallEvent, error)
	StallEvents(ctx context.Context, stall int, limit int) ([]StallEvent, error)
	LatestCalibration(ctx context.Context) (*Calibration, error)
	Close() error
}

// DataStore implements Interface on a GORM handle.
type DataStore struct {
	DB *gorm.DB
}

// New returns the store selected by settings, or nil when no database
// output is enabled.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// SaveEvent inserts one transition.
func (ds *DataStore) SaveEvent(ctx context.Context, event *StallEvent) error {
	if err := ds.ready(); err != nil {
		return err
	}
	if err := ds.DB.WithContext(ctx).Create(event).Error; err != nil {
		return dbError(err, "save_event")
	}
	return nil
}

// SaveEvents inserts the transitions of one tick in a single transaction.
func (ds *DataStore) SaveEvents(ctx context.Context, events []StallEvent) error {
	if err := ds.ready(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&events).Error
	})
	if err != nil {
		return dbError(err, "save_events")
	}
	return nil
}

// SaveCalibration stores a calibration with its stalls.
func (ds *DataStore) SaveCalibration(ctx context.Context, cal *Calibration) error {
	if err := ds.ready(); err != nil {
		return err
	}
	if err := ds.DB.WithContext(ctx).Create(cal).Error; err != nil {
		return dbError(err, "save_calibration")
	}
	return nil
}

// RecentEvents returns the newest transitions first.
func (ds *DataStore) RecentEvents(ctx context.Context, limit int) ([]StallEvent, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var events []StallEvent
	err := ds.DB.WithContext(ctx).
		Order("time DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, dbError(err, "recent_events")
	}
	return events, nil
}

// StallEvents returns the newest transitions of one stall first.
func (ds *DataStore) StallEvents(ctx context.Context, stall, limit int) ([]StallEvent, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var events []StallEvent
	err := ds.DB.WithContext(ctx).
		Where("stall = ?", stall).
		Order("time DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, dbError(err, "stall_events")
	}
	return events, nil
}

// LatestCalibration returns the newest calibration, or nil when none exists.
func (ds *DataStore) LatestCalibration(ctx context.Context) (*Calibration, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	var cal Calibration
	err := ds.DB.WithContext(ctx).
		Preload("Stalls", func(db *gorm.DB) *gorm.DB { return db.Order("slot ASC") }).
		Order("time DESC, id DESC").
		First(&cal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "latest_calibration")
	}
	return &cal, nil
}

// Close releases the connection pool.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close")
	}
	ds.DB = nil
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}

func performAutoMigration(db *gorm.DB, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&StallEvent{}, &Calibration{}, &CalibrationStall{}); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Context("db_type", dbType).
			Build()
	}
	GetLogger().Info("database initialized",
		logger.String("db_type", dbType),
		logger.String("connection", connectionInfo))
	return nil
}

func createGormLogger() *logger.GormLoggerAdapter {
	return logger.NewGormLoggerAdapter(GetLogger(), DefaultSlowQueryThreshold)
}

func dbError(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}
