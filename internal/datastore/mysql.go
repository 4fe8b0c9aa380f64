package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/logger"
)

// MySQLStore implements Interface for MySQL.
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// DSN builds the connection string from the mysql settings.
func (store *MySQLStore) DSN() string {
	m := store.Settings.Output.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}

func (store *MySQLStore) Open() error {
	m := store.Settings.Output.MySQL
	db, err := gorm.Open(mysql.Open(store.DSN()), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		GetLogger().Error("failed to open MySQL database",
			logger.String("host", m.Host),
			logger.String("port", m.Port),
			logger.String("database", m.Database),
			logger.Error(err))
		return dbError(err, "open_mysql")
	}
	store.DB = db
	return performAutoMigration(db, "MySQL", fmt.Sprintf("%s:%s/%s", m.Host, m.Port, m.Database))
}
