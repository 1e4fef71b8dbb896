package db

type Mission struct {
	MissionID     string `gorm:"column:mission_id;primaryKey"`
	Description   string `gorm:"column:description;not null;default:''"`
	Core          string `gorm:"column:core;not null;default:''"`
	Status        string `gorm:"column:status;not null;default:''"`
	PlanJSON      string `gorm:"column:plan_json;not null;default:'[]'"`
	Explanation   string `gorm:"column:explanation;not null;default:''"`
	ThoughtStream string `gorm:"column:thought_stream;not null;default:''"`
	LastError     string `gorm:"column:last_error;not null;default:''"`
	CreatedAt     int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt     int64  `gorm:"column:updated_at;not null;default:0"`
	FinishedAt    int64  `gorm:"column:finished_at;not null;default:0"`
}

func (Mission) TableName() string { return "missions" }

// MissionEvent is one status transition; rows are only ever appended.
type MissionEvent struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MissionID string `gorm:"column:mission_id;not null"`
	Status    string `gorm:"column:status;not null"`
	Detail    string `gorm:"column:detail;not null;default:''"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (MissionEvent) TableName() string { return "mission_events" }
