package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/auxqueue/server/pkg/models"
)

// MySQLStore implements Store on GORM/MySQL. Atomicity relies on row locks
// (SELECT ... FOR UPDATE) plus the unique indexes declared on the models.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(host, port, user, password, dbname string) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	return db.AutoMigrate(
		&models.Session{},
		&models.User{},
		&models.Track{},
		&models.QueueItem{},
		&models.Vote{},
	)
}

// Session operations

func (s *MySQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *MySQLStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *MySQLStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		// Children first: votes, queue items, tracks, users, session.
		itemIDs := tx.Model(&models.QueueItem{}).Select("id").Where("session_id = ?", id)
		if err := tx.Where("queue_item_id IN (?)", itemIDs).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.QueueItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.Track{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.User{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Session{}, "id = ?", id).Error
	})
}

// User operations

func (s *MySQLStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *MySQLStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *MySQLStore) ListUsers(ctx context.Context, sessionID uuid.UUID) ([]*models.User, error) {
	var users []*models.User
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// Track catalog

func (s *MySQLStore) FindTrackByCanonicalID(ctx context.Context, sessionID uuid.UUID, canonicalID string) (*models.Track, error) {
	var track models.Track
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND canonical_id = ?", sessionID, canonicalID).
		First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// Queue operations

func (s *MySQLStore) InsertQueueItem(ctx context.Context, track *models.Track, item *models.QueueItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the session row: serializes position/sequence assignment
		// for this session across processes.
		var session models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "id = ?", item.SessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if !session.Active {
			return ErrSessionNotFound
		}

		if err := tx.Create(track).Error; err != nil {
			return err
		}

		var maxPos sql.NullInt64
		if err := tx.Model(&models.QueueItem{}).
			Where("session_id = ?", item.SessionID).
			Select("MAX(position)").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		if maxPos.Valid {
			item.Position = int(maxPos.Int64) + 1
		} else {
			item.Position = 0
		}

		item.Sequence = session.LastSequence
		if err := tx.Model(&models.Session{}).
			Where("id = ?", session.ID).
			UpdateColumn("last_sequence", gorm.Expr("last_sequence + 1")).Error; err != nil {
			return err
		}

		// The (session_id, canonical_id) unique index turns a concurrent
		// double-enqueue into a duplicate-key error here.
		if err := tx.Create(item).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateTrack
			}
			return err
		}
		item.Track = track
		return nil
	})
}

func (s *MySQLStore) ListQueue(ctx context.Context, sessionID uuid.UUID) ([]*models.QueueItem, error) {
	var items []*models.QueueItem
	if err := s.db.WithContext(ctx).
		Preload("Track").
		Where("session_id = ?", sessionID).
		Order("position ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *MySQLStore) GetQueueItem(ctx context.Context, sessionID, itemID uuid.UUID) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.WithContext(ctx).
		Preload("Track").
		Where("session_id = ? AND id = ?", sessionID, itemID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *MySQLStore) PopNext(ctx context.Context, sessionID uuid.UUID) (*models.QueueItem, error) {
	var popped *models.QueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.QueueItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			Order("position ASC").
			First(&item).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // empty queue is a signal, not an error
			}
			return err
		}

		var track models.Track
		if err := tx.First(&track, "id = ?", item.TrackID).Error; err != nil {
			return err
		}
		item.Track = &track

		if err := tx.Where("queue_item_id = ?", item.ID).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.QueueItem{}, "id = ?", item.ID).Error; err != nil {
			return err
		}
		popped = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// Vote ledger

func (s *MySQLStore) ApplyVote(ctx context.Context, sessionID, itemID, userID uuid.UUID, value int) (*VoteResult, error) {
	var result *VoteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.QueueItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND id = ?", sessionID, itemID).
			First(&item).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrItemNotFound
			}
			return err
		}

		var delta int
		var userVote *int

		var existing models.Vote
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND queue_item_id = ?", userID, itemID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			vote := models.Vote{
				ID:          uuid.New(),
				UserID:      userID,
				QueueItemID: itemID,
				Value:       value,
				CreatedAt:   time.Now(),
			}
			if err := tx.Create(&vote).Error; err != nil {
				return err
			}
			delta = value
			userVote = &value
		case err != nil:
			return err
		case existing.Value == value:
			// Same direction again: toggle the vote off.
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
			delta = -value
			userVote = nil
		default:
			delta = value - existing.Value
			if err := tx.Model(&existing).UpdateColumn("value", value).Error; err != nil {
				return err
			}
			userVote = &value
		}

		if err := tx.Model(&models.QueueItem{}).
			Where("id = ?", itemID).
			UpdateColumn("votes", gorm.Expr("votes + ?", delta)).Error; err != nil {
			return err
		}

		item.Votes += delta
		result = &VoteResult{Delta: delta, UserVote: userVote, Item: &item}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MySQLStore) ListUserVotes(ctx context.Context, sessionID, userID uuid.UUID) (map[uuid.UUID]int, error) {
	var votes []models.Vote
	err := s.db.WithContext(ctx).
		Joins("JOIN queue_items ON queue_items.id = votes.queue_item_id").
		Where("votes.user_id = ? AND queue_items.session_id = ?", userID, sessionID).
		Find(&votes).Error
	if err != nil {
		return nil, err
	}

	byItem := make(map[uuid.UUID]int, len(votes))
	for _, v := range votes {
		byItem[v.QueueItemID] = v.Value
	}
	return byItem, nil
}

func (s *MySQLStore) Rerank(ctx context.Context, sessionID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The session row lock serializes concurrent re-ranks, so two
		// voters cannot interleave position assignments.
		var session models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		var items []models.QueueItem
		if err := tx.Where("session_id = ?", sessionID).
			Order("votes DESC, sequence ASC").
			Find(&items).Error; err != nil {
			return err
		}

		for rank, item := range items {
			if item.Position == rank {
				continue
			}
			if err := tx.Model(&models.QueueItem{}).
				Where("id = ?", item.ID).
				UpdateColumn("position", rank).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
