package types

import (
	"time"

	"gorm.io/datatypes"
)

type RobotStatus string

const (
	RobotOnline  RobotStatus = "online"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotFailed  RobotStatus = "failed"
)

// Robot is a worker process. Identity is the robot-chosen id carried on its
// register message; the durable row is an upsert target.
type Robot struct {
	ID                string                      `gorm:"column:id;primaryKey" json:"id"`
	Name              string                      `gorm:"column:name" json:"name"`
	Environment       string                      `gorm:"column:environment;index" json:"environment"`
	Tags              datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	Capabilities      datatypes.JSONSlice[string] `gorm:"column:capabilities" json:"capabilities"`
	MaxConcurrentJobs int                         `gorm:"column:max_concurrent_jobs;not null;default:1" json:"max_concurrent_jobs"`
	CurrentJobs       int                         `gorm:"column:current_jobs;not null;default:0" json:"current_jobs"`
	Status            RobotStatus                 `gorm:"column:status;not null;index" json:"status"`
	LastHeartbeatAt   *time.Time                  `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	RegisteredAt      time.Time                   `gorm:"column:registered_at;not null" json:"registered_at"`
	UpdatedAt         time.Time                   `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Robot) TableName() string { return "robot" }
