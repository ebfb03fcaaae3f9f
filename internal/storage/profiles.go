package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Profile is a derived record extracted from profile-metadata events,
// keyed by pubkey. It is a projection of the raw event, which is always
// stored independently.
type Profile struct {
	Pubkey      string `db:"pubkey" json:"pubkey"`
	Name        string `db:"name" json:"name"`
	DisplayName string `db:"display_name" json:"display_name"`
	About       string `db:"about" json:"about"`
	Picture     string `db:"picture" json:"picture"`
	Banner      string `db:"banner" json:"banner"`
	Website     string `db:"website" json:"website"`
	Nip05       string `db:"nip05" json:"nip05"`
	Lud16       string `db:"lud16" json:"lud16"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// SaveProfile upserts a derived profile row keyed by pubkey
func (s *Storage) SaveProfile(ctx context.Context, p *Profile) error {
	if p.Pubkey == "" {
		return fmt.Errorf("profile pubkey is required")
	}

	_, err := s.backend.ExecContext(ctx, `
		INSERT INTO profiles (pubkey, name, display_name, about, picture, banner, website, nip05, lud16, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			about = excluded.about,
			picture = excluded.picture,
			banner = excluded.banner,
			website = excluded.website,
			nip05 = excluded.nip05,
			lud16 = excluded.lud16,
			updated_at = excluded.updated_at`,
		p.Pubkey, p.Name, p.DisplayName, p.About, p.Picture, p.Banner, p.Website, p.Nip05, p.Lud16, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// GetProfile returns the derived profile row for a pubkey, or nil if none
func (s *Storage) GetProfile(ctx context.Context, pubkey string) (*Profile, error) {
	var p Profile
	err := s.backend.GetContext(ctx, &p, `SELECT * FROM profiles WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}
