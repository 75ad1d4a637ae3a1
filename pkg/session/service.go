package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maruntime/maruntime/pkg/protocol"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
)

// ErrStaleSession is returned when a compare-and-set transition lost to a
// concurrent writer; the caller must re-read the session.
var ErrStaleSession = errors.New("stale session")

const maxTitleLen = 80

// Service owns session creation and the clarification resume path. Step
// writes during a run go through the store directly from the loop driver.
type Service struct {
	store     *store.Store
	templates *templates.Service
}

func NewService(s *store.Store, t *templates.Service) *Service {
	return &Service{store: s, templates: t}
}

// Start creates a session for the template's active version, appends the
// rendered system and initial user messages, and moves it to RESEARCHING so
// a worker can claim it. toolLines feeds the {available_tools} placeholder.
func (svc *Service) Start(ctx context.Context, resolved *templates.Resolved, task, title string, toolLines []string) (*store.Session, error) {
	if task == "" {
		return nil, fmt.Errorf("task must not be empty")
	}
	if title == "" {
		title = deriveTitle(task)
	}

	now := time.Now()
	snapshot := NewContext(task)
	sess, err := svc.store.CreateSession(ctx, resolved.Version.ID, title, protocol.StateInited, snapshot.Encode())
	if err != nil {
		return nil, err
	}

	system := resolved.Prompts.RenderSystem(toolLines, now)
	if _, err := svc.store.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID,
		Role:      protocol.RoleSystem,
		Content:   system,
		Type:      protocol.TypeMessage,
	}); err != nil {
		return nil, err
	}

	user := resolved.Prompts.RenderInitialUser(task, now)
	if _, err := svc.store.AppendMessage(ctx, &store.Message{
		SessionID: sess.ID,
		Role:      protocol.RoleUser,
		Content:   user,
		Type:      protocol.TypeMessage,
	}); err != nil {
		return nil, err
	}

	if err := svc.transition(ctx, sess.ID, protocol.StateInited, protocol.StateResearching, nil); err != nil {
		return nil, err
	}
	sess.State = protocol.StateResearching
	return sess, nil
}

// ResumeWithClarification appends the user's clarification (rendered via
// the template's clarification prompt), bumps the counter, and transitions
// WAITING_FOR_CLARIFICATION back to RESEARCHING.
func (svc *Service) ResumeWithClarification(ctx context.Context, sessionID, userMessage string) (*store.Session, error) {
	sess, err := svc.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if protocol.IsTerminalState(sess.State) {
		return nil, fmt.Errorf("session %s is %s and accepts no more input", sessionID, sess.State)
	}
	if sess.State != protocol.StateWaitingForClarification {
		return nil, fmt.Errorf("session %s is %s, not waiting for clarification", sessionID, sess.State)
	}

	resolved, err := svc.templates.ResolveVersion(ctx, sess.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	snapshot, err := DecodeContext(sess.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	snapshot.ClarificationsUsed++
	snapshot.ClarificationRequested = false

	content := resolved.Prompts.RenderClarification(userMessage, time.Now())
	if _, err := svc.store.AppendMessage(ctx, &store.Message{
		SessionID: sessionID,
		Role:      protocol.RoleUser,
		Content:   content,
		Type:      protocol.TypeMessage,
	}); err != nil {
		return nil, err
	}

	if err := svc.transition(ctx, sessionID, protocol.StateWaitingForClarification, protocol.StateResearching, snapshot.Encode()); err != nil {
		return nil, err
	}
	sess.State = protocol.StateResearching
	sess.ContextSnapshot = snapshot.Encode()
	return sess, nil
}

// Snapshot overwrites the session's context snapshot without a state change.
func (svc *Service) Snapshot(ctx context.Context, sessionID string, snapshot *Context) error {
	return svc.store.UpdateSnapshot(ctx, sessionID, snapshot.Encode())
}

// Load returns the session with its ordered message log and decoded
// snapshot.
func (svc *Service) Load(ctx context.Context, sessionID string) (*store.Session, []store.Message, *Context, error) {
	sess, messages, err := svc.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	snapshot, err := DecodeContext(sess.ContextSnapshot)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, messages, snapshot, nil
}

func (svc *Service) transition(ctx context.Context, id, from, to string, snapshot []byte) error {
	err := svc.store.UpdateSessionState(ctx, id, from, to, snapshot)
	if errors.Is(err, store.ErrStaleState) {
		return fmt.Errorf("%w: session %s left state %s", ErrStaleSession, id, from)
	}
	return err
}

func deriveTitle(task string) string {
	runes := []rune(task)
	if len(runes) <= maxTitleLen {
		return task
	}
	return string(runes[:maxTitleLen])
}
