package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"recoverylm/internal/models"
)

// widgetPattern matches [[widget:ID {json}]] tags in model output. The JSON
// parameter blob is optional.
var widgetPattern = regexp.MustCompile(`\[\[widget:([a-z0-9_]+)\s*(\{[^\[\]]*\})?\s*\]\]`)

// ParseWidgets extracts widget tags from model text and returns the display
// text with the tags stripped.
func ParseWidgets(text string) (string, []models.WidgetInvocation) {
	var widgets []models.WidgetInvocation
	clean := widgetPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := widgetPattern.FindStringSubmatch(match)
		widgets = append(widgets, models.WidgetInvocation{
			ID:     groups[1],
			Params: groups[2],
		})
		return ""
	})
	return strings.TrimSpace(clean), widgets
}

// SendResult is the outcome of one user message.
type SendResult struct {
	SessionID string
	UserMsg   *models.ChatMessage
	Assistant *models.ChatMessage
	// Blocked is set when the crisis screen stopped the message from
	// reaching the model; Assistant then carries the local resources reply.
	Blocked bool
	Level   CrisisLevel
}

// ChatService runs the messaging flow: crisis screen, ordered persistence,
// context assembly, streaming completion, widget extraction.
type ChatService struct {
	session  *VaultSession
	llm      *LLMClient
	assessor CrisisAssessor
	builder  *ContextBuilder
}

// NewChatService wires the messaging flow.
func NewChatService(session *VaultSession, llm *LLMClient, assessor CrisisAssessor, builder *ContextBuilder) *ChatService {
	return &ChatService{session: session, llm: llm, assessor: assessor, builder: builder}
}

// StartSession opens a new session and streams the assistant's greeting.
func (c *ChatService) StartSession(ctx context.Context, onDelta func(string) error) (*SendResult, error) {
	sessionID := c.session.NewChatSession()
	window := c.builder.Build(ContextGreeting, "", "")

	messages := append([]LLMMessage{{Role: models.RoleSystem, Content: window.System}},
		LLMMessage{Role: models.RoleUser, Content: "Open the conversation with a short, warm greeting that reflects what you know about how things have been going."})

	full, err := c.llm.Stream(ctx, c.llm.ChatModel(), messages, onDelta)
	if err != nil {
		return nil, err
	}

	assistant, err := c.persistAssistant(sessionID, full, "")
	if err != nil {
		return nil, err
	}
	return &SendResult{SessionID: sessionID, Assistant: assistant, Level: CrisisMonitor}, nil
}

// SendMessage screens, persists and answers one user message. The user
// message is persisted before the model is called, so a transport failure
// never loses what the user wrote.
func (c *ChatService) SendMessage(ctx context.Context, sessionID, content string, onDelta func(string) error) (*SendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message must not be empty")
	}
	if sessionID == "" {
		sessionID = c.session.NewChatSession()
	}

	assessment := c.assessor.Assess(content)
	if assessment.Level != CrisisMonitor {
		metricCrisisDetections.WithLabelValues(string(assessment.Level)).Inc()
		log.Printf("🚨 [CHAT] Crisis screen: level=%s action=%s", assessment.Level, assessment.RecommendedAction)
	}

	userMsg := &models.ChatMessage{
		SessionID:   sessionID,
		Role:        models.RoleUser,
		Content:     content,
		CrisisLevel: string(assessment.Level),
	}
	if err := c.session.AppendChatMessage(userMsg); err != nil {
		return nil, err
	}

	result := &SendResult{SessionID: sessionID, UserMsg: userMsg, Level: assessment.Level}

	if assessment.RecommendedAction == ActionBlock {
		assistant, err := c.persistAssistant(sessionID, c.emergencyReply(), string(assessment.Level))
		if err != nil {
			return nil, err
		}
		if onDelta != nil {
			// Stream the local reply so the UI path is uniform.
			if err := onDelta(assistant.Content); err != nil {
				return nil, err
			}
		}
		result.Assistant = assistant
		result.Blocked = true
		return result, nil
	}

	var crisisNote string
	if assessment.RecommendedAction == ActionInjectContext {
		crisisNote = fmt.Sprintf("The user's current message was screened at crisis level %q. Prioritize their immediate safety and stability: acknowledge what they said, stay concrete, and gently point to their coping tools and support people.", assessment.Level)
	}

	window := c.builder.Build(ContextOngoing, sessionID, crisisNote)
	messages := append([]LLMMessage{{Role: models.RoleSystem, Content: window.System}}, window.Messages...)

	full, err := c.llm.Stream(ctx, c.llm.ChatModel(), messages, onDelta)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	assistant, err := c.persistAssistant(sessionID, full, "")
	if err != nil {
		return nil, err
	}
	result.Assistant = assistant
	return result, nil
}

func (c *ChatService) persistAssistant(sessionID, text, crisisLevel string) (*models.ChatMessage, error) {
	clean, widgets := ParseWidgets(text)
	msg := &models.ChatMessage{
		SessionID:   sessionID,
		Role:        models.RoleAssistant,
		Content:     clean,
		Widgets:     widgets,
		CrisisLevel: crisisLevel,
	}
	if err := c.session.AppendChatMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// emergencyReply is the local response shown instead of a model reply when
// the crisis screen blocks the request. It pulls the user's own emergency
// contacts when they exist.
func (c *ChatService) emergencyReply() string {
	var b strings.Builder
	b.WriteString("I'm really glad you told me. What you're feeling right now matters, and you don't have to carry it alone.\n\n")
	b.WriteString("Please reach out to someone right now:\n")

	listed := false
	if network, err := c.session.GetSupportNetwork(); err == nil {
		for _, contact := range network.EmergencyContacts {
			fmt.Fprintf(&b, "- %s: %s", contact.Name, contact.Phone)
			if contact.Available != "" {
				fmt.Fprintf(&b, " (%s)", contact.Available)
			}
			b.WriteString("\n")
			listed = true
		}
		for _, person := range network.People {
			if person.NotifyInCrisis {
				fmt.Fprintf(&b, "- %s (%s)", person.Name, person.Relationship)
				if person.ContactInfo != "" {
					fmt.Fprintf(&b, ": %s", person.ContactInfo)
				}
				b.WriteString("\n")
				listed = true
			}
		}
	}
	if !listed {
		b.WriteString("- 988 Suicide & Crisis Lifeline: call or text 988 (24/7)\n")
		b.WriteString("- If you are in immediate danger, call your local emergency number\n")
	}

	b.WriteString("\nI'll be right here when you've reached out. [[widget:support_reachout]]")
	return b.String()
}
