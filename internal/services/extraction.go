package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"recoverylm/internal/models"
)

// ErrExtractionSkipped marks the benign no-op outcomes: already ran today,
// already running, or nothing to cover. Callers log and move on.
var ErrExtractionSkipped = errors.New("extraction skipped")

const (
	dateLayout = "2006-01-02"

	// Digest bounds. The extraction call is a single request; these caps keep
	// it inside any reasonable context window.
	maxChatCharsPerMessage    = 500
	maxJournalCharsPerEntry   = 600
	maxChatMessagesPerSession = 60
)

// extractionInstruction is the fixed system prompt for the extraction call.
// The response must be a single JSON object, nothing else.
const extractionInstruction = `You are a memory extraction assistant for an addiction recovery companion app. You will receive a digest of the user's recent activity: chat transcripts, journal entries, and daily check-in metrics, plus the previously known facts about the user.

Respond with a single JSON object and no other text, using exactly these keys:
{
  "conversation_summary": string or null,
  "journal_summary": string or null,
  "checkin_summary": string or null,
  "user_facts": [string],
  "follow_ups": [string],
  "emotional_state": string,
  "notable_patterns": [string]
}

Rules:
- "user_facts" is the complete updated set of durable facts about the user (recovery goals, triggers, support people, milestones). Carry forward still-true facts from the previous set and integrate new ones. This replaces the old set entirely.
- Summaries are short narrative paragraphs; use null when there was no activity of that kind.
- "emotional_state" is one or two words describing the overall emotional tone of the window.
- Be specific and factual. Never invent activity that is not in the digest.`

// ExtractionPipeline condenses recent activity into one DailyMemory per day.
// It runs detached from unlock and from the nightly schedule; nothing in here
// may ever surface an error to the user.
type ExtractionPipeline struct {
	session *VaultSession
	llm     *LLMClient

	// running makes concurrent triggers single-flight.
	running atomic.Bool

	// now is swappable for tests.
	now func() time.Time
}

// NewExtractionPipeline wires the pipeline to the vault session and model.
func NewExtractionPipeline(session *VaultSession, llm *LLMClient) *ExtractionPipeline {
	return &ExtractionPipeline{
		session: session,
		llm:     llm,
		now:     time.Now,
	}
}

// Run is the fire-and-forget entry point: any failure is logged and
// swallowed.
func (p *ExtractionPipeline) Run(ctx context.Context) {
	if err := p.RunIfNeeded(ctx); err != nil {
		if errors.Is(err, ErrExtractionSkipped) {
			log.Printf("💤 [MEMORY] %v", err)
			return
		}
		metricExtractionFailures.Inc()
		log.Printf("⚠️ [MEMORY] Extraction failed (will retry on next unlock): %v", err)
	}
}

// RunIfNeeded performs at most one extraction per calendar day. The checkpoint
// (the latest memory's covering window) only advances when a memory is
// actually persisted, so a failed run retries the same window later.
func (p *ExtractionPipeline) RunIfNeeded(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already running", ErrExtractionSkipped)
	}
	defer p.running.Store(false)

	today := p.now().Format(dateLayout)

	latest, err := p.session.LatestMemory()
	if err != nil {
		if errors.Is(err, ErrVaultLocked) {
			return fmt.Errorf("%w: vault locked", ErrExtractionSkipped)
		}
		return err
	}
	if latest != nil && latest.Date == today {
		return fmt.Errorf("%w: already extracted today", ErrExtractionSkipped)
	}

	coveringFrom := today
	var previousFacts []string
	if latest != nil {
		coveringFrom = latest.CoveringTo
		previousFacts = latest.UserFacts
	}

	fromTime, err := time.ParseInLocation(dateLayout, coveringFrom, time.Local)
	if err != nil {
		return fmt.Errorf("corrupt checkpoint date %q: %w", coveringFrom, err)
	}

	activity, err := p.gatherActivity(fromTime, coveringFrom)
	if err != nil {
		if errors.Is(err, ErrVaultLocked) {
			return fmt.Errorf("%w: vault locked mid-run", ErrExtractionSkipped)
		}
		return err
	}

	if activity.empty() {
		if latest == nil {
			// Nothing has ever happened; writing an empty-window memory would
			// just be noise.
			return fmt.Errorf("%w: nothing to cover yet", ErrExtractionSkipped)
		}
		return p.persistCarryForward(today, coveringFrom, previousFacts)
	}

	extracted, err := p.extract(ctx, activity, previousFacts)
	if err != nil {
		return err
	}

	memory := p.buildMemory(today, coveringFrom, extracted, previousFacts)
	inserted, err := p.session.SaveMemoryIfAbsent(memory)
	if err != nil {
		if errors.Is(err, ErrVaultLocked) {
			return fmt.Errorf("%w: vault locked before write", ErrExtractionSkipped)
		}
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: another run wrote today's memory first", ErrExtractionSkipped)
	}

	metricExtractionRuns.Inc()
	log.Printf("🧠 [MEMORY] Extracted memory for %s covering [%s, %s)", today, coveringFrom, today)
	return nil
}

// windowActivity is everything gathered for one extraction window.
type windowActivity struct {
	transcripts []sessionTranscript
	journal     []models.JournalEntry
	metrics     []models.DailyMetric
}

type sessionTranscript struct {
	sessionID string
	messages  []models.ChatMessage
}

func (a windowActivity) empty() bool {
	return len(a.transcripts) == 0 && len(a.journal) == 0 && len(a.metrics) == 0
}

func (p *ExtractionPipeline) gatherActivity(fromTime time.Time, fromDate string) (windowActivity, error) {
	var activity windowActivity

	sessionIDs, err := p.session.SessionsStartedSince(fromTime)
	if err != nil {
		return activity, err
	}
	for _, sid := range sessionIDs {
		msgs, err := p.session.SessionMessages(sid)
		if err != nil {
			return activity, err
		}
		if len(msgs) == 0 {
			continue
		}
		if len(msgs) > maxChatMessagesPerSession {
			msgs = msgs[len(msgs)-maxChatMessagesPerSession:]
		}
		activity.transcripts = append(activity.transcripts, sessionTranscript{sessionID: sid, messages: msgs})
	}

	activity.journal, err = p.session.ListJournalSince(fromTime)
	if err != nil {
		return activity, err
	}

	activity.metrics, err = p.session.ListMetricsSince(fromDate)
	if err != nil {
		return activity, err
	}

	return activity, nil
}

// persistCarryForward writes the minimal memory for a window with no
// activity: previous facts unchanged, explicit no-activity label. This still
// advances the checkpoint so empty ranges aren't re-scanned forever.
func (p *ExtractionPipeline) persistCarryForward(today, coveringFrom string, previousFacts []string) error {
	memory := &models.DailyMemory{
		Date:           today,
		CoveringFrom:   coveringFrom,
		CoveringTo:     today,
		UserFacts:      previousFacts,
		EmotionalState: models.EmotionalStateNoActivity,
	}
	inserted, err := p.session.SaveMemoryIfAbsent(memory)
	if err != nil {
		if errors.Is(err, ErrVaultLocked) {
			return fmt.Errorf("%w: vault locked before write", ErrExtractionSkipped)
		}
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: another run wrote today's memory first", ErrExtractionSkipped)
	}
	metricExtractionRuns.Inc()
	log.Printf("🧠 [MEMORY] No activity since %s, carried facts forward", coveringFrom)
	return nil
}

// extract sends the digest to the model and parses the strict JSON reply.
func (p *ExtractionPipeline) extract(ctx context.Context, activity windowActivity, previousFacts []string) (*models.ExtractedMemoryFromLLM, error) {
	digest := buildDigest(activity, previousFacts)

	raw, err := p.llm.Complete(ctx, p.llm.ExtractModel(), []LLMMessage{
		{Role: models.RoleSystem, Content: extractionInstruction},
		{Role: models.RoleUser, Content: digest},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	extracted, err := parseExtractionResponse(raw)
	if err != nil {
		return nil, err
	}
	return extracted, nil
}

// parseExtractionResponse enforces the strict JSON contract. Markdown fences
// are tolerated; anything else malformed rejects the whole run.
func parseExtractionResponse(raw string) (*models.ExtractedMemoryFromLLM, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("extraction response is not a JSON object: %.80s", cleaned)
	}

	var extracted models.ExtractedMemoryFromLLM
	if err := json.Unmarshal([]byte(cleaned), &extracted); err != nil {
		return nil, fmt.Errorf("extraction response failed schema validation: %w", err)
	}

	if extracted.EmotionalState == "" {
		return nil, errors.New("extraction response missing emotional_state")
	}
	return &extracted, nil
}

// buildMemory folds the parsed response into a DailyMemory, falling back to
// the previous facts when the model omitted the set.
func (p *ExtractionPipeline) buildMemory(today, coveringFrom string, extracted *models.ExtractedMemoryFromLLM, previousFacts []string) *models.DailyMemory {
	facts := extracted.UserFacts
	if facts == nil {
		facts = previousFacts
	}
	if len(previousFacts) > 0 && len(facts)*2 < len(previousFacts) {
		log.Printf("⚠️ [MEMORY] Facts set shrank from %d to %d in one extraction", len(previousFacts), len(facts))
	}

	return &models.DailyMemory{
		Date:                today,
		CoveringFrom:        coveringFrom,
		CoveringTo:          today,
		ConversationSummary: extracted.ConversationSummary,
		JournalSummary:      extracted.JournalSummary,
		CheckinSummary:      extracted.CheckinSummary,
		UserFacts:           facts,
		FollowUps:           extracted.FollowUps,
		EmotionalState:      extracted.EmotionalState,
		NotablePatterns:     extracted.NotablePatterns,
	}
}

// buildDigest renders the gathered activity as the bounded plain-text payload
// for the extraction call.
func buildDigest(activity windowActivity, previousFacts []string) string {
	var b strings.Builder

	if len(previousFacts) > 0 {
		b.WriteString("## Previously known facts about the user\n")
		for _, fact := range previousFacts {
			b.WriteString("- ")
			b.WriteString(fact)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(activity.transcripts) > 0 {
		b.WriteString("## Chat transcripts\n")
		for _, transcript := range activity.transcripts {
			start := models.SessionStartTime(transcript.sessionID)
			fmt.Fprintf(&b, "### Session started %s\n", start.Format("2006-01-02 15:04"))
			for _, msg := range transcript.messages {
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, truncate(msg.Content, maxChatCharsPerMessage))
			}
			b.WriteString("\n")
		}
	}

	if len(activity.journal) > 0 {
		b.WriteString("## Journal entries\n")
		for _, entry := range activity.journal {
			fmt.Fprintf(&b, "[%s]", entry.CreatedAt.Format("2006-01-02 15:04"))
			if len(entry.Tags) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(entry.Tags, ", "))
			}
			b.WriteString(" ")
			b.WriteString(truncate(entry.Content, maxJournalCharsPerEntry))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(activity.metrics) > 0 {
		b.WriteString("## Daily check-ins\n")
		for _, m := range activity.metrics {
			fmt.Fprintf(&b, "%s: mood=%d sober=%t", m.Date, m.Mood, m.SobrietyMaintained)
			if m.CravingIntensity > 0 {
				fmt.Fprintf(&b, " craving=%d", m.CravingIntensity)
			}
			if m.AnxietyLevel > 0 {
				fmt.Fprintf(&b, " anxiety=%d", m.AnxietyLevel)
			}
			if m.SleepQuality > 0 {
				fmt.Fprintf(&b, " sleep=%d", m.SleepQuality)
			}
			var habits []string
			for _, h := range []struct {
				name string
				done bool
			}{
				{"exercise", m.Exercise},
				{"meditation", m.Meditation},
				{"study", m.Study},
				{"social", m.Social},
				{"sleep8h", m.Sleep8h},
			} {
				if h.done {
					habits = append(habits, h.name)
				}
			}
			if len(habits) > 0 {
				fmt.Fprintf(&b, " habits=[%s]", strings.Join(habits, ","))
			}
			if m.Notes != "" {
				fmt.Fprintf(&b, " notes: %s", truncate(m.Notes, maxJournalCharsPerEntry))
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// truncate cuts on a rune boundary so digests never carry invalid UTF-8.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
