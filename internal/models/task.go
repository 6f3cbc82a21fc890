package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TaskStatus string
type TaskPriority string

const (
	TaskToDo       TaskStatus = "To Do"
	TaskInProgress TaskStatus = "In Progress"
	TaskInReview   TaskStatus = "In Review"
	TaskCompleted  TaskStatus = "Completed"

	PriorityLow    TaskPriority = "Low"
	PriorityMedium TaskPriority = "Medium"
	PriorityHigh   TaskPriority = "High"
	PriorityUrgent TaskPriority = "Urgent"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskToDo, TaskInProgress, TaskInReview, TaskCompleted:
		return true
	}
	return false
}

// Submitted: задача сдана на проверку или закрыта; техник больше не трогает доказательства.
func (s TaskStatus) Submitted() bool {
	return s == TaskInReview || s == TaskCompleted
}

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Task struct {
	gorm.Model
	ProjectID   uint         `gorm:"not null;index" json:"projectId"`
	Title       string       `gorm:"size:255;not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	AssignedTo  *uint        `gorm:"index" json:"assignedTo"`
	Status      TaskStatus   `gorm:"type:varchar(20);not null" json:"status"`
	Priority    TaskPriority `gorm:"type:varchar(20);not null" json:"priority"`
	DueDate     *time.Time   `json:"dueDate,omitempty"`

	LastUpdatedBy uint `json:"lastUpdatedBy"`

	Comments        []TaskComment   `gorm:"foreignKey:TaskID" json:"comments"`
	PrivateMessages []TaskMessage   `gorm:"foreignKey:TaskID" json:"privateMessages,omitempty"`
	Attachments     []TaskFile      `gorm:"foreignKey:TaskID" json:"attachments"`
	WorkEvidence    []TaskFile      `gorm:"foreignKey:TaskID" json:"workEvidence"`
	ChangeLog       []TaskChangeLog `gorm:"foreignKey:TaskID" json:"changeLog"`
}

type TaskComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    uint      `gorm:"not null;index" json:"-"`
	AuthorID  uint      `gorm:"not null" json:"authorId"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskMessage: приватная переписка внутри команды, клиент её не видит.
type TaskMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    uint      `gorm:"not null;index" json:"-"`
	AuthorID  uint      `gorm:"not null" json:"authorId"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type FileKind string

const (
	FileAttachment FileKind = "attachment"
	FileEvidence   FileKind = "evidence"
)

// FileDescriptor: уже загруженный и провалидированный файл от файлового хранилища.
type FileDescriptor struct {
	URL          string `json:"url"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
	OriginalName string `json:"originalName"`
}

func (d FileDescriptor) IsImage() bool {
	return strings.HasPrefix(d.Mimetype, "image/")
}

type TaskFile struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TaskID       uint      `gorm:"not null;index" json:"-"`
	Kind         FileKind  `gorm:"type:varchar(20);not null;index" json:"-"`
	URL          string    `gorm:"size:1024;not null" json:"url"`
	Mimetype     string    `gorm:"size:127;not null" json:"mimetype"`
	Size         int64     `gorm:"not null" json:"size"`
	OriginalName string    `gorm:"size:255" json:"originalName"`
	UploadedBy   uint      `json:"uploadedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FieldChange: одна строка диффа в журнале изменений задачи.
type FieldChange struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// TaskChangeLog: append-only, одна запись на каждую мутацию задачи.
type TaskChangeLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TaskID    uint           `gorm:"not null;index" json:"-"`
	ActorID   uint           `gorm:"not null" json:"actorId"`
	Action    string         `gorm:"size:50;not null" json:"action"`
	Changes   datatypes.JSON `json:"changes"`
	CreatedAt time.Time      `json:"createdAt"`
}
