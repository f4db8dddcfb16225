package services

import (
	"errors"
	"fmt"
	"time"

	"recoverylm/internal/crypto"
	"recoverylm/internal/database"
	"recoverylm/internal/models"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Domain record accessors. Every method here goes through withKey, so a
// locked vault uniformly fails with ErrVaultLocked instead of leaking partial
// state.

// --- Singletons ---

func (s *VaultSession) getSingleton(table, cacheKey string, v any) (bool, error) {
	found := false
	err := s.withKey(func(key []byte) error {
		if cached, ok := s.recordCache.Get(cacheKey); ok {
			if blob, ok := cached.(string); ok {
				found = true
				return crypto.DecryptJSON(blob, key, v)
			}
		}
		payload, err := s.db.GetSingleton(table)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := crypto.DecryptJSON(payload, key, v); err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", table, err)
		}
		s.recordCache.Set(cacheKey, payload, cache.NoExpiration)
		found = true
		return nil
	})
	return found, err
}

func (s *VaultSession) saveSingleton(table, cacheKey string, v any) error {
	return s.withKey(func(key []byte) error {
		return s.encryptAndPutSingleton(key, table, cacheKey, v)
	})
}

// saveSingletonLocked is the variant for callers already holding the mutex.
func (s *VaultSession) saveSingletonLocked(table, cacheKey string, v any) error {
	if s.state != StateUnlocked {
		return ErrVaultLocked
	}
	return s.encryptAndPutSingleton(s.masterKey, table, cacheKey, v)
}

func (s *VaultSession) encryptAndPutSingleton(key []byte, table, cacheKey string, v any) error {
	payload, err := crypto.EncryptJSON(v, key)
	if err != nil {
		return err
	}
	if err := s.db.PutSingleton(table, payload); err != nil {
		return err
	}
	s.recordCache.Set(cacheKey, payload, cache.NoExpiration)
	return nil
}

// --- Profile ---

// GetProfile returns the user profile, or nil when onboarding hasn't written
// one yet.
func (s *VaultSession) GetProfile() (*models.UserProfile, error) {
	var profile models.UserProfile
	found, err := s.getSingleton(database.TableProfile, cacheKeyProfile, &profile)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &profile, nil
}

// SaveProfile overwrites the singleton profile.
func (s *VaultSession) SaveProfile(profile *models.UserProfile) error {
	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	return s.saveSingleton(database.TableProfile, cacheKeyProfile, profile)
}

// --- Daily metrics ---

// SaveMetric upserts the check-in for its date (today when unset). At most
// one record per date.
func (s *VaultSession) SaveMetric(m *models.DailyMetric) error {
	if m.Date == "" {
		m.Date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", m.Date); err != nil {
		return fmt.Errorf("invalid metric date %q: %w", m.Date, err)
	}
	if m.Mood < 1 || m.Mood > 10 {
		return fmt.Errorf("mood must be 1-10, got %d", m.Mood)
	}
	for name, v := range map[string]int{
		"craving_intensity": m.CravingIntensity,
		"sleep_quality":     m.SleepQuality,
		"anxiety_level":     m.AnxietyLevel,
	} {
		if v < 0 || v > 10 {
			return fmt.Errorf("%s must be 0-10, got %d", name, v)
		}
	}

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	return s.withKey(func(key []byte) error {
		payload, err := crypto.EncryptJSON(m, key)
		if err != nil {
			return err
		}
		return s.db.UpsertByDate(database.TableMetrics, m.Date, payload)
	})
}

// GetMetric returns the check-in for a date, or nil when none exists.
func (s *VaultSession) GetMetric(date string) (*models.DailyMetric, error) {
	var metric *models.DailyMetric
	err := s.withKey(func(key []byte) error {
		payload, err := s.db.GetByDate(database.TableMetrics, date)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var m models.DailyMetric
		if err := crypto.DecryptJSON(payload, key, &m); err != nil {
			return err
		}
		metric = &m
		return nil
	})
	return metric, err
}

// ListMetricsSince returns check-ins from the given date onward, ascending.
func (s *VaultSession) ListMetricsSince(since string) ([]models.DailyMetric, error) {
	var out []models.DailyMetric
	err := s.withKey(func(key []byte) error {
		rows, err := s.db.ListByDateSince(database.TableMetrics, since)
		if err != nil {
			return err
		}
		out = make([]models.DailyMetric, 0, len(rows))
		for _, row := range rows {
			var m models.DailyMetric
			if err := crypto.DecryptJSON(row.Payload, key, &m); err != nil {
				return fmt.Errorf("failed to decrypt metric %s: %w", row.Key, err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// --- Journal ---

// AddJournalEntry appends a journal entry. Tags outside the fixed vocabulary
// are dropped silently.
func (s *VaultSession) AddJournalEntry(content string, tags []string, sentiment string) (*models.JournalEntry, error) {
	if content == "" {
		return nil, errors.New("journal entry must not be empty")
	}
	entry := &models.JournalEntry{
		ID:        uuid.New().String(),
		Content:   content,
		Tags:      models.FilterJournalTags(tags),
		Sentiment: sentiment,
		CreatedAt: time.Now(),
	}
	err := s.withKey(func(key []byte) error {
		payload, err := crypto.EncryptJSON(entry, key)
		if err != nil {
			return err
		}
		return s.db.InsertJournal(entry.ID, entry.CreatedAt, payload)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListJournalSince returns entries created at or after the cutoff, ascending.
func (s *VaultSession) ListJournalSince(since time.Time) ([]models.JournalEntry, error) {
	var out []models.JournalEntry
	err := s.withKey(func(key []byte) error {
		rows, err := s.db.ListJournalSince(since)
		if err != nil {
			return err
		}
		return decryptJournalRows(rows, key, &out)
	})
	return out, err
}

// ListJournalRecent returns the n most recent entries, newest first.
func (s *VaultSession) ListJournalRecent(n int) ([]models.JournalEntry, error) {
	var out []models.JournalEntry
	err := s.withKey(func(key []byte) error {
		rows, err := s.db.ListJournalRecent(n)
		if err != nil {
			return err
		}
		return decryptJournalRows(rows, key, &out)
	})
	return out, err
}

func decryptJournalRows(rows []database.Row, key []byte, out *[]models.JournalEntry) error {
	*out = make([]models.JournalEntry, 0, len(rows))
	for _, row := range rows {
		var e models.JournalEntry
		if err := crypto.DecryptJSON(row.Payload, key, &e); err != nil {
			return fmt.Errorf("failed to decrypt journal entry %s: %w", row.Key, err)
		}
		*out = append(*out, e)
	}
	return nil
}

// --- Chat ---

// NewChatSession mints a session id encoding the start time.
func (s *VaultSession) NewChatSession() string {
	return models.NewSessionID(time.Now())
}

// AppendChatMessage assigns the next sequence number in the session and
// stores the message. The session mutex makes seq assignment and insert
// atomic with respect to other appends.
func (s *VaultSession) AppendChatMessage(msg *models.ChatMessage) error {
	if msg.SessionID == "" {
		return errors.New("chat message requires a session id")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	err := s.withKey(func(key []byte) error {
		seq, err := s.db.NextChatSeq(msg.SessionID)
		if err != nil {
			return err
		}
		msg.Seq = seq
		payload, err := crypto.EncryptJSON(msg, key)
		if err != nil {
			return err
		}
		return s.db.InsertChatMessage(msg.ID, msg.SessionID, msg.Seq, msg.CreatedAt, payload)
	})
	if err != nil {
		return err
	}
	metricChatMessages.WithLabelValues(msg.Role).Inc()
	return nil
}

// SessionMessages returns a session's messages in append order.
func (s *VaultSession) SessionMessages(sessionID string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := s.withKey(func(key []byte) error {
		rows, err := s.db.ListSessionMessages(sessionID)
		if err != nil {
			return err
		}
		out = make([]models.ChatMessage, 0, len(rows))
		for _, row := range rows {
			var m models.ChatMessage
			if err := crypto.DecryptJSON(row.Payload, key, &m); err != nil {
				return fmt.Errorf("failed to decrypt chat message %s: %w", row.Key, err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// RecentSessionIDs returns up to n session ids, newest first.
func (s *VaultSession) RecentSessionIDs(n int) ([]string, error) {
	var ids []string
	err := s.withKey(func(key []byte) error {
		var err error
		ids, err = s.db.ListSessionIDs(n)
		return err
	})
	return ids, err
}

// SessionsStartedSince returns ids of sessions whose embedded start time is
// at or after the cutoff, newest first.
func (s *VaultSession) SessionsStartedSince(cutoff time.Time) ([]string, error) {
	all, err := s.RecentSessionIDs(10000)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		start := models.SessionStartTime(id)
		if start.IsZero() || start.Before(cutoff) {
			// Ids are newest-first; the first too-old id ends the scan for
			// well-formed ids, but malformed ones are just skipped.
			if start.IsZero() {
				continue
			}
			break
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Daily memories ---

// LatestMemory returns the most recent extraction digest, or nil when the
// pipeline has never run.
func (s *VaultSession) LatestMemory() (*models.DailyMemory, error) {
	var memory *models.DailyMemory
	err := s.withKey(func(key []byte) error {
		row, err := s.db.LatestByDate(database.TableMemories)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var m models.DailyMemory
		if err := crypto.DecryptJSON(row.Payload, key, &m); err != nil {
			return err
		}
		memory = &m
		return nil
	})
	return memory, err
}

// RecentMemories returns up to n digests, newest first.
func (s *VaultSession) RecentMemories(n int) ([]models.DailyMemory, error) {
	var out []models.DailyMemory
	err := s.withKey(func(key []byte) error {
		rows, err := s.db.ListRecentByDate(database.TableMemories, n)
		if err != nil {
			return err
		}
		out = make([]models.DailyMemory, 0, len(rows))
		for _, row := range rows {
			var m models.DailyMemory
			if err := crypto.DecryptJSON(row.Payload, key, &m); err != nil {
				return fmt.Errorf("failed to decrypt memory %s: %w", row.Key, err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// SaveMemoryIfAbsent writes a digest only when no digest exists for its date
// yet. Returns false when another run already claimed the date.
func (s *VaultSession) SaveMemoryIfAbsent(m *models.DailyMemory) (bool, error) {
	if m.Date == "" {
		return false, errors.New("memory requires a date")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	inserted := false
	err := s.withKey(func(key []byte) error {
		payload, err := crypto.EncryptJSON(m, key)
		if err != nil {
			return err
		}
		inserted, err = s.db.InsertIfAbsentByDate(database.TableMemories, m.Date, payload)
		return err
	})
	return inserted, err
}

// --- Support network ---

// GetSupportNetwork returns the support snapshot, empty when never edited.
func (s *VaultSession) GetSupportNetwork() (*models.SupportNetwork, error) {
	var network models.SupportNetwork
	found, err := s.getSingleton(database.TableSupport, "support_network", &network)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.SupportNetwork{}, nil
	}
	return &network, nil
}

// SaveSupportNetwork overwrites the support snapshot, assigning ids to new
// people and contacts.
func (s *VaultSession) SaveSupportNetwork(network *models.SupportNetwork) error {
	for i := range network.People {
		if network.People[i].ID == "" {
			network.People[i].ID = uuid.New().String()
		}
		if network.People[i].Tier == "" {
			network.People[i].Tier = models.TierExtended
		}
	}
	for i := range network.EmergencyContacts {
		if network.EmergencyContacts[i].ID == "" {
			network.EmergencyContacts[i].ID = uuid.New().String()
		}
	}
	network.UpdatedAt = time.Now()
	return s.saveSingleton(database.TableSupport, "support_network", network)
}

// --- Settings ---

// GetSettings returns app settings, falling back to defaults for a vault
// that never saved any.
func (s *VaultSession) GetSettings() (models.AppSettings, error) {
	var settings models.AppSettings
	found, err := s.getSingleton(database.TableSettings, cacheKeySettings, &settings)
	if err != nil {
		return models.AppSettings{}, err
	}
	if !found {
		return models.DefaultSettings(), nil
	}
	return settings, nil
}

// SaveSettings overwrites settings and applies the auto-lock timeout
// immediately.
func (s *VaultSession) SaveSettings(settings models.AppSettings) error {
	if settings.AutoLockMinutes < 1 {
		return fmt.Errorf("auto-lock minutes must be positive, got %d", settings.AutoLockMinutes)
	}
	settings.UpdatedAt = time.Now()
	if err := s.saveSingleton(database.TableSettings, cacheKeySettings, settings); err != nil {
		return err
	}
	s.SetAutoLockTimeout(time.Duration(settings.AutoLockMinutes) * time.Minute)
	return nil
}
