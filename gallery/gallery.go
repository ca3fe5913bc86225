// Package gallery stores received artifacts as PNG files with an sqlite index.
package gallery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example/rockpaperscissors/exchange"
	"example/rockpaperscissors/session"
)

const indexName = "gallery.sqlite3"

// Record indexes one stored artifact.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	PeerName   string
	EndpointID string
	Format     string // format the artifact arrived in
	Width      int
	Height     int
	Size       int64 // bytes as received
	Path       string
	CreatedAt  int64
}

// Gallery is a directory of PNG files plus the index describing them.
type Gallery struct {
	root string // absolute base directory
	db   *gorm.DB
}

// Open opens or creates a gallery under root.
func Open(root string) (*Gallery, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create gallery directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(root, indexName)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to open gallery index: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to migrate gallery index: %w", err)
	}
	return &Gallery{root: root, db: db}, nil
}

// closeDB releases the connection pool of a half-opened index.
func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Root returns the directory artifacts are written to.
func (g *Gallery) Root() string {
	return g.root
}

// abs converts a gallery-relative path to an absolute filesystem path
func (g *Gallery) abs(path string) string {
	p := strings.TrimPrefix(path, "/")
	p = strings.ReplaceAll(p, "/", string(filepath.Separator))
	return filepath.Join(g.root, p)
}

// Save writes art as PNG and records where it came from.
func (g *Gallery) Save(ctx context.Context, peer session.Peer, art *exchange.Artifact) (Record, error) {
	name := uuid.NewString() + ".png"
	path := g.abs(name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := art.EncodePNG(f); err != nil {
		f.Close()
		os.Remove(path)
		return Record{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Record{}, fmt.Errorf("failed to write %s: %w", name, err)
	}

	rec := Record{
		SessionID:  peer.SessionID.String(),
		PeerName:   peer.Name,
		EndpointID: peer.EndpointID,
		Format:     art.Format,
		Width:      art.Width,
		Height:     art.Height,
		Size:       int64(len(art.Data)),
		Path:       name,
		CreatedAt:  time.Now().Unix(),
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		os.Remove(path)
		return Record{}, fmt.Errorf("failed to index %s: %w", name, err)
	}
	return rec, nil
}

// List returns the newest records first. limit <= 0 returns all of them.
func (g *Gallery) List(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	q := g.db.WithContext(ctx).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list gallery: %w", err)
	}
	return records, nil
}

// BySession returns the records received during one session, oldest first.
func (g *Gallery) BySession(ctx context.Context, sessionID uuid.UUID) ([]Record, error) {
	var records []Record
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list session %s: %w", sessionID, err)
	}
	return records, nil
}

// FilePath returns the absolute path of the PNG a record describes.
func (g *Gallery) FilePath(rec Record) string {
	return g.abs(rec.Path)
}

func (g *Gallery) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
