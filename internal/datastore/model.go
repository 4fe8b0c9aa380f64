// model.go defines the persisted stall history
package datastore

import "time"

// StallEvent is one busy/free transition of one stall.
type StallEvent struct {
	ID         uint      `gorm:"primaryKey"`
	SourceNode string    `gorm:"index:idx_events_node_time"`
	Time       time.Time `gorm:"index:idx_events_node_time;index:idx_events_time"`
	Seq        uint64
	Stall      int `gorm:"index:idx_events_stall"`
	Busy       bool
	Score      float64
	X          int
	Y          int
	W          int
	H          int
}

// Calibration is one committed stall layout.
type Calibration struct {
	ID         uint      `gorm:"primaryKey"`
	SourceNode string    `gorm:"index"`
	Time       time.Time `gorm:"index"`
	Seq        uint64
	Width      int // working raster size the layout refers to
	Height     int
	Stalls     []CalibrationStall `gorm:"foreignKey:CalibrationID;constraint:OnDelete:CASCADE"`
}

// CalibrationStall is one stall rectangle of a Calibration.
type CalibrationStall struct {
	ID            uint `gorm:"primaryKey"`
	CalibrationID uint `gorm:"index;not null"`
	Slot          int
	X             int
	Y             int
	W             int
	H             int
}
