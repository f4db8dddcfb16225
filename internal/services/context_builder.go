package services

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"recoverylm/internal/models"
)

// Request kinds for context assembly.
const (
	ContextGreeting = "greeting" // session-opening message from the assistant
	ContextOngoing  = "ongoing"  // reply within an active session
)

// Widget identifiers the model may embed in its output as
// [[widget:ID {json}]]. The catalog is rendered into the system instruction
// so the model knows what exists.
var widgetCatalog = []struct {
	ID          string
	Description string
}{
	{"breathing_exercise", "guided breathing timer; params: {\"minutes\": n}"},
	{"craving_surf", "urge-surfing exercise walkthrough; no params"},
	{"daily_checkin", "opens the daily check-in form; no params"},
	{"journal_prompt", "opens the journal with a prompt; params: {\"prompt\": \"...\"}"},
	{"support_reachout", "shows the user's support contacts; no params"},
	{"milestone", "celebrates a recovery milestone; params: {\"label\": \"...\"}"},
}

const systemInstruction = `You are a warm, steady recovery companion. The user is working through addiction recovery; you support them with practical, compassionate, non-judgmental conversation. You are not a therapist and you never diagnose or prescribe. Keep replies short and human. When an interactive exercise would genuinely help, you may embed at most one widget tag in the form [[widget:ID {json-params}]].`

// InsightsProvider supplies an activity summary derived outside the vault
// (widget completion logs). Optional collaborator.
type InsightsProvider interface {
	RecentInsights() (string, error)
}

// GuidanceProvider supplies therapist-configured guidance text. Optional
// collaborator.
type GuidanceProvider interface {
	ActiveGuidance() (string, error)
}

// ContextWindow is the assembled prompt payload for one model request.
type ContextWindow struct {
	System   string
	Messages []LLMMessage
}

// ContextBuilder assembles the model's context from vault records. Every
// fetch is independent; a failed or empty section is omitted, never fatal.
type ContextBuilder struct {
	session  *VaultSession
	insights InsightsProvider
	guidance GuidanceProvider

	metricsWindowDays int
	recentMemories    int
	recentSessions    int
}

// NewContextBuilder wires the assembler. insights and guidance may be nil.
func NewContextBuilder(session *VaultSession, insights InsightsProvider, guidance GuidanceProvider, metricsWindowDays, recentMemories, recentSessions int) *ContextBuilder {
	return &ContextBuilder{
		session:           session,
		insights:          insights,
		guidance:          guidance,
		metricsWindowDays: metricsWindowDays,
		recentMemories:    recentMemories,
		recentSessions:    recentSessions,
	}
}

// gathered holds the results of the parallel fetches. Fields stay zero when
// their fetch failed.
type gathered struct {
	profile    *models.UserProfile
	metrics    []models.DailyMetric
	memories   []models.DailyMemory
	support    *models.SupportNetwork
	settings   models.AppSettings
	sessionIDs []string
	insights   string
	guidance   string
	transcript []models.ChatMessage
	crisisNote string
}

// Build assembles the context window for a request. For ongoing requests the
// current session transcript is included; crisisNote, when non-empty, is
// appended as a system-level addendum (the urgent/concern injection).
func (b *ContextBuilder) Build(kind, sessionID, crisisNote string) *ContextWindow {
	g := b.gather(kind, sessionID)
	g.crisisNote = crisisNote

	window := &ContextWindow{System: b.composeSystem(g)}
	if kind == ContextOngoing {
		for _, msg := range g.transcript {
			if msg.Role == models.RoleUser || msg.Role == models.RoleAssistant {
				window.Messages = append(window.Messages, LLMMessage{Role: msg.Role, Content: msg.Content})
			}
		}
	}

	metricContextBuilds.Inc()
	return window
}

// gather runs every fetch concurrently and joins. Failures are logged and
// leave their section empty.
func (b *ContextBuilder) gather(kind, sessionID string) *gathered {
	g := &gathered{settings: models.DefaultSettings()}
	var wg sync.WaitGroup

	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				log.Printf("⚠️ [CONTEXT] Skipping %s section: %v", name, err)
			}
		}()
	}

	run("profile", func() error {
		p, err := b.session.GetProfile()
		if err != nil {
			return err
		}
		g.profile = p
		return nil
	})
	run("metrics", func() error {
		since := time.Now().AddDate(0, 0, -b.metricsWindowDays).Format(dateLayout)
		m, err := b.session.ListMetricsSince(since)
		if err != nil {
			return err
		}
		g.metrics = m
		return nil
	})
	run("memories", func() error {
		m, err := b.session.RecentMemories(b.recentMemories)
		if err != nil {
			return err
		}
		g.memories = m
		return nil
	})
	run("support", func() error {
		n, err := b.session.GetSupportNetwork()
		if err != nil {
			return err
		}
		g.support = n
		return nil
	})
	run("settings", func() error {
		s, err := b.session.GetSettings()
		if err != nil {
			return err
		}
		g.settings = s
		return nil
	})
	run("sessions", func() error {
		ids, err := b.session.RecentSessionIDs(b.recentSessions)
		if err != nil {
			return err
		}
		g.sessionIDs = ids
		return nil
	})
	if b.insights != nil {
		run("insights", func() error {
			s, err := b.insights.RecentInsights()
			if err != nil {
				return err
			}
			g.insights = s
			return nil
		})
	}
	if b.guidance != nil {
		run("guidance", func() error {
			s, err := b.guidance.ActiveGuidance()
			if err != nil {
				return err
			}
			g.guidance = s
			return nil
		})
	}
	if kind == ContextOngoing && sessionID != "" {
		run("transcript", func() error {
			msgs, err := b.session.SessionMessages(sessionID)
			if err != nil {
				return err
			}
			g.transcript = msgs
			return nil
		})
	}

	wg.Wait()
	return g
}

func (b *ContextBuilder) composeSystem(g *gathered) string {
	var s strings.Builder
	s.WriteString(systemInstruction)
	s.WriteString("\n\nAvailable widgets:\n")
	for _, w := range widgetCatalog {
		fmt.Fprintf(&s, "- %s: %s\n", w.ID, w.Description)
	}

	if g.guidance != "" {
		s.WriteString("\n## Guidance from the user's therapist\n")
		s.WriteString(g.guidance)
		s.WriteString("\n")
	}

	b.writeKnowledge(&s, g)
	b.writeMetrics(&s, g)

	if g.insights != "" {
		s.WriteString("\n## Activity insights\n")
		s.WriteString(g.insights)
		s.WriteString("\n")
	}

	if g.crisisNote != "" {
		s.WriteString("\n## Important: current message screening\n")
		s.WriteString(g.crisisNote)
		s.WriteString("\n")
	}

	return s.String()
}

// writeKnowledge renders the "what you know about this user" section from
// profile, facts, memory narratives, follow-ups and patterns.
func (b *ContextBuilder) writeKnowledge(s *strings.Builder, g *gathered) {
	hasAnything := g.profile != nil || len(g.memories) > 0 ||
		(g.support != nil && len(g.support.People)+len(g.support.EmergencyContacts) > 0)
	if !hasAnything {
		return
	}

	s.WriteString("\n## What you know about this user\n")

	if p := g.profile; p != nil {
		if p.DisplayName != "" {
			fmt.Fprintf(s, "Name: %s\n", p.DisplayName)
		}
		if p.RecoveryPhilosophy != "" {
			fmt.Fprintf(s, "Recovery approach: %s\n", p.RecoveryPhilosophy)
		}
		if p.RecoveryStage != "" {
			fmt.Fprintf(s, "Recovery stage: %s\n", p.RecoveryStage)
		}
		if p.SobrietyStartDate != "" {
			fmt.Fprintf(s, "Sober since: %s\n", p.SobrietyStartDate)
		}
		if p.Commitment != "" {
			fmt.Fprintf(s, "Their commitment: %s\n", p.Commitment)
		}
	}

	// The latest memory carries the authoritative facts set.
	if len(g.memories) > 0 {
		latest := g.memories[0]
		if len(latest.UserFacts) > 0 {
			s.WriteString("\nKnown facts:\n")
			for _, fact := range latest.UserFacts {
				fmt.Fprintf(s, "- %s\n", fact)
			}
		}

		s.WriteString("\nRecent memory summaries (newest first):\n")
		for _, m := range g.memories {
			fmt.Fprintf(s, "### %s (feeling: %s)\n", m.Date, m.EmotionalState)
			for _, summary := range []*string{m.ConversationSummary, m.JournalSummary, m.CheckinSummary} {
				if summary != nil && *summary != "" {
					fmt.Fprintf(s, "%s\n", *summary)
				}
			}
			for _, p := range m.NotablePatterns {
				fmt.Fprintf(s, "Pattern: %s\n", p)
			}
		}

		if len(latest.FollowUps) > 0 {
			s.WriteString("\nWorth following up on:\n")
			for _, f := range latest.FollowUps {
				fmt.Fprintf(s, "- %s\n", f)
			}
		}
	}

	b.writeSupport(s, g)
}

// writeSupport respects the privacy toggle: names stay out of the model's
// context unless the user opted in.
func (b *ContextBuilder) writeSupport(s *strings.Builder, g *gathered) {
	if g.support == nil || len(g.support.People) == 0 {
		return
	}

	s.WriteString("\nSupport network:\n")
	for _, person := range g.support.People {
		if g.settings.IncludeNamesInContext {
			fmt.Fprintf(s, "- %s (%s, %s tier)\n", person.Name, person.Relationship, person.Tier)
		} else {
			fmt.Fprintf(s, "- their %s (%s tier)\n", person.Relationship, person.Tier)
		}
	}
}

func (b *ContextBuilder) writeMetrics(s *strings.Builder, g *gathered) {
	if len(g.metrics) == 0 {
		return
	}

	fmt.Fprintf(s, "\n## Check-ins from the last %d days\n", b.metricsWindowDays)
	for _, m := range g.metrics {
		fmt.Fprintf(s, "%s: mood %d/10, sober: %t", m.Date, m.Mood, m.SobrietyMaintained)
		if m.CravingIntensity > 0 {
			fmt.Fprintf(s, ", craving %d/10", m.CravingIntensity)
		}
		if m.Notes != "" {
			fmt.Fprintf(s, ", note: %s", truncate(m.Notes, 300))
		}
		s.WriteString("\n")
	}
}
