package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TriggerType string

const (
	TriggerManual       TriggerType = "manual"
	TriggerScheduled    TriggerType = "scheduled"
	TriggerWebhook      TriggerType = "webhook"
	TriggerFile         TriggerType = "file"
	TriggerEmail        TriggerType = "email"
	TriggerForm         TriggerType = "form"
	TriggerChat         TriggerType = "chat"
	TriggerWorkflowCall TriggerType = "workflow_call"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerWebhook, TriggerFile,
		TriggerEmail, TriggerForm, TriggerChat, TriggerWorkflowCall:
		return true
	}
	return false
}

type Trigger struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name         string         `gorm:"column:name" json:"name"`
	Type         TriggerType    `gorm:"column:type;not null;index" json:"type"`
	Config       datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	WorkflowID   string         `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	WorkflowName string         `gorm:"column:workflow_name" json:"workflow_name"`
	WorkflowDoc  datatypes.JSON `gorm:"column:workflow_document;type:jsonb" json:"workflow_document,omitempty"`
	Priority     JobPriority    `gorm:"column:priority;not null;default:1" json:"priority"`
	Enabled      bool           `gorm:"column:enabled;not null;default:true;index" json:"enabled"`
	FireCount    int            `gorm:"column:fire_count;not null;default:0" json:"fire_count"`
	LastFireAt   *time.Time     `gorm:"column:last_fire_at" json:"last_fire_at,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Trigger) TableName() string { return "trigger" }
