package ops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackupManager copies the SQLite database aside and restores it
type BackupManager struct {
	dbPath string
	logger *Logger
}

// NewBackupManager creates a backup manager for the given database file
func NewBackupManager(dbPath string, logger *Logger) *BackupManager {
	return &BackupManager{
		dbPath: dbPath,
		logger: logger.WithComponent("backup"),
	}
}

// Backup writes a timestamped copy of the database into destDir and returns
// the backup path.
func (b *BackupManager) Backup(ctx context.Context, destDir string) (string, error) {
	start := time.Now()

	if b.dbPath == "" {
		return "", fmt.Errorf("database path not set")
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	destPath := filepath.Join(destDir, fmt.Sprintf("syncr-backup-%s.db", timestamp))

	size, err := copyFile(b.dbPath, destPath)
	if err != nil {
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	b.logger.Info("database backup completed",
		"destination", destPath,
		"size_mb", float64(size)/1024/1024,
		"duration_ms", time.Since(start).Milliseconds())

	return destPath, nil
}

// Restore replaces the database with a backup copy. The engine must not be
// running against the database while this happens.
func (b *BackupManager) Restore(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}
	if err := os.MkdirAll(filepath.Dir(b.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	size, err := copyFile(backupPath, b.dbPath)
	if err != nil {
		return fmt.Errorf("failed to restore database: %w", err)
	}

	b.logger.Info("database restore completed",
		"backup", backupPath,
		"size_mb", float64(size)/1024/1024)
	return nil
}

// CleanOldBackups removes backup files older than maxAge from a directory
func (b *BackupManager) CleanOldBackups(backupDir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				b.logger.Warn("failed to delete old backup", "file", path, "error", err)
				continue
			}
			deleted++
		}
	}

	b.logger.Info("old backup cleanup completed", "deleted", deleted)
	return deleted, nil
}

func copyFile(src, dst string) (int64, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	size, err := io.Copy(destFile, sourceFile)
	if err != nil {
		return size, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := destFile.Sync(); err != nil {
		return size, fmt.Errorf("failed to sync file: %w", err)
	}

	return size, nil
}

func isBackupFile(name string) bool {
	return filepath.Ext(name) == ".db" && strings.HasPrefix(name, "syncr-backup-")
}
