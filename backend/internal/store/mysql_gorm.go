package store

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var mysqlDB *gorm.DB

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&DocumentModel{},
		&OperationModel{},
		&SnapshotModel{},
		&MessageModel{},
		&NotificationModel{},
	); err != nil {
		return nil, err
	}
	mysqlDB = db
	return db, nil
}

// DocumentModel 文档元数据。
type DocumentModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	DocID     string    `gorm:"column:doc_id;size:64;uniqueIndex"`
	OwnerID   uint64    `gorm:"column:owner_id;index"`
	Title     string    `gorm:"size:255;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DocumentModel) TableName() string { return "documents" }

// OperationModel 按版本号只追加的操作日志。
// (doc_id, version) 唯一：同版本重复写入靠 1062 幂等吸收。
type OperationModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	OperationID string    `gorm:"column:operation_id;size:64"`
	DocID       string    `gorm:"column:doc_id;size:64;uniqueIndex:uk_doc_version,priority:1"`
	Version     uint64    `gorm:"uniqueIndex:uk_doc_version,priority:2"`
	AuthorID    uint64    `gorm:"column:author_id"`
	OpType      string    `gorm:"column:op_type;size:16"`
	Position    int       `gorm:""`
	Text        string    `gorm:"type:text"`
	Length      int       `gorm:""`
	Noop        bool      `gorm:""`
	AppliedAt   time.Time `gorm:"column:applied_at"`
}

func (OperationModel) TableName() string { return "document_operations" }

type SnapshotModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	DocID     string    `gorm:"column:doc_id;size:64;uniqueIndex:uk_doc_rev,priority:1"`
	Revision  uint64    `gorm:"uniqueIndex:uk_doc_rev,priority:2"`
	Content   string    `gorm:"type:longtext"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (SnapshotModel) TableName() string { return "document_snapshots" }

// MessageModel 聊天消息。(room_id, seq) 唯一即房间内全序。
type MessageModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	MessageID string    `gorm:"column:message_id;size:64;uniqueIndex"`
	RoomID    string    `gorm:"column:room_id;size:64;uniqueIndex:uk_room_seq,priority:1"`
	Seq       uint64    `gorm:"uniqueIndex:uk_room_seq,priority:2"`
	SenderID  uint64    `gorm:"column:sender_id"`
	Content   string    `gorm:"type:text"`
	ReplyToID string    `gorm:"column:reply_to_id;size:64"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (MessageModel) TableName() string { return "room_messages" }

type NotificationModel struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	NotificationID string    `gorm:"column:notification_id;size:64;uniqueIndex"`
	UserID         uint64    `gorm:"column:user_id;index"`
	Payload        string    `gorm:"type:text"`
	Delivered      bool      `gorm:"index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (NotificationModel) TableName() string { return "notifications" }
