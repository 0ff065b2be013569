package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type uploadSessionModel struct {
	UploadID          string    `gorm:"column:upload_id;primaryKey;size:64"`
	FileName          string    `gorm:"column:file_name;size:255;not null"`
	TotalSize         int64     `gorm:"column:total_size;not null"`
	ContentType       string    `gorm:"column:content_type;size:255;not null"`
	UserID            string    `gorm:"column:user_id;size:128;not null;index:idx_upload_sessions_user_created,priority:1"`
	UserRole          string    `gorm:"column:user_role;size:32;not null"`
	StorageKey        string    `gorm:"column:storage_key;size:1024;not null"`
	RemoteMultipartID string    `gorm:"column:remote_multipart_id;size:1024;not null"`
	Status            string    `gorm:"column:status;size:32;not null"`
	Version           int64     `gorm:"column:version;not null;default:0"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime:false;index:idx_upload_sessions_user_created,priority:2"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (uploadSessionModel) TableName() string {
	return "upload_sessions"
}

type uploadChunkModel struct {
	UploadID   string    `gorm:"column:upload_id;primaryKey;size:64"`
	ChunkIndex int       `gorm:"column:chunk_index;primaryKey;autoIncrement:false"`
	ChunkSize  int64     `gorm:"column:chunk_size;not null"`
	ETag       string    `gorm:"column:etag;size:128;not null"`
	Checksum   string    `gorm:"column:checksum;size:64;not null"`
	UploadedAt time.Time `gorm:"column:uploaded_at;not null"`
}

func (uploadChunkModel) TableName() string {
	return "upload_chunks"
}

// PostgresSessionStoreImpl keeps sessions and chunks as rows; the session row
// carries a version column checked by every update inside one transaction.
type PostgresSessionStoreImpl struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

func NewPostgresSessionStoreImpl(db *gorm.DB) *PostgresSessionStoreImpl {
	return &PostgresSessionStoreImpl{db: db}
}

func (s *PostgresSessionStoreImpl) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&uploadSessionModel{}, &uploadChunkModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *PostgresSessionStoreImpl) IsReady(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (s *PostgresSessionStoreImpl) Name() string {
	return "UploadsStore[postgres]"
}

func (s *PostgresSessionStoreImpl) Shutdown(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresSessionStoreImpl) CreateSession(ctx context.Context, session models.UploadSession) error {
	row := toSessionModel(session)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperror.ErrSessionExists
	}
	return err
}

func (s *PostgresSessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	var (
		session *models.UploadSession
		chunks  []models.ChunkRecord
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, chunks, err = loadSession(tx, uploadID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return session, chunks, nil
}

func (s *PostgresSessionStoreImpl) CompareAndUpdate(ctx context.Context, uploadID string, expectedVersion int64, mutate Mutator) (int64, error) {
	var newVersion int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, chunks, err := loadSession(tx, uploadID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return apperror.ErrVersionConflict
		}

		next, _, m, err := applyMutation(*current, chunks, mutate)
		if err != nil {
			return err
		}

		res := tx.Model(&uploadSessionModel{}).
			Where("upload_id = ? AND version = ?", uploadID, expectedVersion).
			Updates(map[string]any{
				"status":     next.Status.String(),
				"updated_at": next.UpdatedAt,
				"version":    next.Version,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperror.ErrVersionConflict
		}

		switch {
		case m.DeleteAllChunks:
			if err := tx.Where("upload_id = ?", uploadID).Delete(&uploadChunkModel{}).Error; err != nil {
				return err
			}
		case len(m.DeleteChunks) > 0:
			if err := tx.Where("upload_id = ? AND chunk_index IN ?", uploadID, m.DeleteChunks).Delete(&uploadChunkModel{}).Error; err != nil {
				return err
			}
		}

		if len(m.PutChunks) > 0 {
			rows := make([]uploadChunkModel, len(m.PutChunks))
			for i, c := range m.PutChunks {
				rows[i] = toChunkModel(uploadID, c)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "upload_id"}, {Name: "chunk_index"}},
				DoUpdates: clause.AssignmentColumns([]string{"chunk_size", "etag", "checksum", "uploaded_at"}),
			}).Create(&rows).Error
			if err != nil {
				return err
			}
		}

		newVersion = next.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *PostgresSessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&uploadChunkModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("upload_id = ?", uploadID).Delete(&uploadSessionModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperror.ErrSessionNotFound
		}
		return nil
	})
}

func (s *PostgresSessionStoreImpl) ListByUser(ctx context.Context, userID string) ([]models.UploadSession, error) {
	var rows []uploadSessionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sessions := make([]models.UploadSession, 0, len(rows))
	for _, row := range rows {
		session, err := fromSessionModel(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func loadSession(tx *gorm.DB, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	var row uploadSessionModel
	if err := tx.Where("upload_id = ?", uploadID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperror.ErrSessionNotFound
		}
		return nil, nil, err
	}

	var chunkRows []uploadChunkModel
	if err := tx.Where("upload_id = ?", uploadID).Order("chunk_index ASC").Find(&chunkRows).Error; err != nil {
		return nil, nil, err
	}

	session, err := fromSessionModel(row)
	if err != nil {
		return nil, nil, err
	}

	chunks := make([]models.ChunkRecord, len(chunkRows))
	for i, c := range chunkRows {
		chunks[i] = models.ChunkRecord{
			ChunkIndex: c.ChunkIndex,
			ChunkSize:  c.ChunkSize,
			ETag:       c.ETag,
			Checksum:   c.Checksum,
			UploadedAt: c.UploadedAt,
		}
	}
	return &session, chunks, nil
}

func toSessionModel(s models.UploadSession) uploadSessionModel {
	return uploadSessionModel{
		UploadID:          s.UploadId,
		FileName:          s.FileName,
		TotalSize:         s.TotalSize,
		ContentType:       s.ContentType,
		UserID:            s.UserId,
		UserRole:          s.UserRole.String(),
		StorageKey:        s.StorageKey,
		RemoteMultipartID: s.RemoteMultipartId,
		Status:            s.Status.String(),
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func fromSessionModel(row uploadSessionModel) (models.UploadSession, error) {
	status, err := models.ParseUploadStatus(row.Status)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("database contains invalid status: %w", err)
	}
	role, err := models.ParseUserRole(row.UserRole)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("database contains invalid role: %w", err)
	}

	return models.UploadSession{
		UploadId:          row.UploadID,
		FileName:          row.FileName,
		TotalSize:         row.TotalSize,
		ContentType:       row.ContentType,
		UserId:            row.UserID,
		UserRole:          role,
		StorageKey:        row.StorageKey,
		RemoteMultipartId: row.RemoteMultipartID,
		Status:            status,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		Version:           row.Version,
	}, nil
}

func toChunkModel(uploadID string, c models.ChunkRecord) uploadChunkModel {
	return uploadChunkModel{
		UploadID:   uploadID,
		ChunkIndex: c.ChunkIndex,
		ChunkSize:  c.ChunkSize,
		ETag:       c.ETag,
		Checksum:   c.Checksum,
		UploadedAt: c.UploadedAt,
	}
}
