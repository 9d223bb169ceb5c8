package db

import (
	"fmt"

	"gorm.io/gorm/clause"
)

// AddCORSOrigin allows an origin. Re-adding an existing origin is a no-op,
// not an error.
func (s *Store) AddCORSOrigin(origin string) (*CORSOrigin, error) {
	row := CORSOrigin{ID: NewID(), Origin: origin}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "origin"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("adding cors origin: %w", err)
	}

	var existing CORSOrigin
	if err := s.db.Where("origin = ?", origin).First(&existing).Error; err != nil {
		return nil, notFoundOr(err, "getting cors origin")
	}
	return &existing, nil
}

// RemoveCORSOrigin disallows an origin.
func (s *Store) RemoveCORSOrigin(origin string) error {
	res := s.db.Where("origin = ?", origin).Delete(&CORSOrigin{})
	if res.Error != nil {
		return fmt.Errorf("removing cors origin: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCORSOrigins returns all allowed origins.
func (s *Store) ListCORSOrigins() ([]string, error) {
	var rows []CORSOrigin
	if err := s.db.Order("origin").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing cors origins: %w", err)
	}
	origins := make([]string, 0, len(rows))
	for _, row := range rows {
		origins = append(origins, row.Origin)
	}
	return origins, nil
}

// AddSyslogURL registers a log drain. Duplicate URLs are a no-op.
func (s *Store) AddSyslogURL(url, syslogType string) (*SyslogURL, error) {
	row := SyslogURL{ID: NewID(), URL: url, Type: syslogType}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("adding syslog url: %w", err)
	}
	var existing SyslogURL
	if err := s.db.Where("url = ?", url).First(&existing).Error; err != nil {
		return nil, notFoundOr(err, "getting syslog url")
	}
	return &existing, nil
}

// RemoveSyslogURL drops a log drain.
func (s *Store) RemoveSyslogURL(url string) error {
	res := s.db.Where("url = ?", url).Delete(&SyslogURL{})
	if res.Error != nil {
		return fmt.Errorf("removing syslog url: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSyslogURLs returns all log drains.
func (s *Store) ListSyslogURLs() ([]SyslogURL, error) {
	var rows []SyslogURL
	if err := s.db.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing syslog urls: %w", err)
	}
	return rows, nil
}
