package session

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/wenqy/career-copilot/internal/domain"
)

// Store owns every tab's chat state. All mutation goes through the store's
// mutex, so two callbacks touching the same tab never interleave, no matter
// which goroutine delivers them. Mutations address sessions by tab and
// session id captured at submission time, never by "the selected session",
// so a late-arriving chunk cannot land in whatever session the user switched
// to in the meantime.
//
// Mutations are total: referencing an unknown tab or session id logs a
// warning and does nothing.
type Store struct {
	mu     sync.Mutex
	logger *log.Logger
	tabs   map[domain.TabKey]*domain.TabChatState
}

func NewStore(logger *log.Logger) *Store {
	tabs := make(map[domain.TabKey]*domain.TabChatState, len(domain.AllTabs()))
	for _, tab := range domain.AllTabs() {
		tabs[tab] = &domain.TabChatState{Sessions: []domain.ChatSession{}}
	}
	return &Store{logger: logger, tabs: tabs}
}

// CreateSession prepends a fresh session to the tab, selects it, and clears
// any pending input. Returns the new session id.
func (s *Store) CreateSession(tab domain.TabKey, title string) string {
	now := time.Now()
	created := domain.ChatSession{
		ID:            NewSessionID(tab),
		Title:         title,
		Messages:      []domain.ChatMessage{},
		CreatedAt:     now,
		LastMessageAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("create session on unknown tab=%s", tab)
		return ""
	}
	state.Sessions = append([]domain.ChatSession{created}, state.Sessions...)
	state.CurrentSessionID = created.ID
	state.PendingInput = ""
	return created.ID
}

// SelectSession switches the tab's current session. An empty id deselects.
// Selection never cancels or redirects in-flight jobs.
func (s *Store) SelectSession(tab domain.TabKey, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("select session on unknown tab=%s", tab)
		return
	}
	if sessionID == "" {
		state.CurrentSessionID = ""
		return
	}
	if indexOfSession(state.Sessions, sessionID) < 0 {
		s.warnf("select unknown session tab=%s session_id=%s", tab, sessionID)
		return
	}
	state.CurrentSessionID = sessionID
}

// AppendMessage adds a message to a session and refreshes its recency.
func (s *Store) AppendMessage(tab domain.TabKey, sessionID string, message domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, index := s.locate(tab, sessionID, "append message")
	if state == nil {
		return
	}
	target := &state.Sessions[index]
	target.Messages = append(target.Messages, cloneMessage(message))
	if message.Timestamp.After(target.LastMessageAt) {
		target.LastMessageAt = message.Timestamp
	}
	sortByRecency(state.Sessions)
}

// SetMessageContent overwrites one message's content. This is the streaming
// path: the assistant placeholder is rewritten with the accumulated buffer
// on every chunk.
func (s *Store) SetMessageContent(tab domain.TabKey, sessionID, messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, index := s.locate(tab, sessionID, "set message content")
	if state == nil {
		return
	}
	target := &state.Sessions[index]
	for i := range target.Messages {
		if target.Messages[i].ID == messageID {
			target.Messages[i].Content = content
			target.LastMessageAt = time.Now()
			sortByRecency(state.Sessions)
			return
		}
	}
	s.warnf("set content on unknown message tab=%s session_id=%s message_id=%s", tab, sessionID, messageID)
}

func (s *Store) SetSessionTitle(tab domain.TabKey, sessionID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, index := s.locate(tab, sessionID, "set title")
	if state == nil {
		return
	}
	state.Sessions[index].Title = title
}

func (s *Store) SetLoading(tab domain.TabKey, loading bool) {
	s.updateTab(tab, "set loading", func(state *domain.TabChatState) {
		state.Loading = loading
	})
}

func (s *Store) SetError(tab domain.TabKey, message string) {
	s.updateTab(tab, "set error", func(state *domain.TabChatState) {
		state.Error = message
	})
}

func (s *Store) SetInput(tab domain.TabKey, input string) {
	s.updateTab(tab, "set input", func(state *domain.TabChatState) {
		state.PendingInput = input
	})
}

// MergeHistory folds persisted sessions into the tab. Sessions already known
// keep their in-memory copy; the merged list is recency-sorted and, when
// nothing is selected yet, the newest session becomes current.
func (s *Store) MergeHistory(tab domain.TabKey, sessions []domain.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("merge history on unknown tab=%s", tab)
		return
	}

	known := make(map[string]struct{}, len(state.Sessions))
	for _, existing := range state.Sessions {
		known[existing.ID] = struct{}{}
	}
	for _, incoming := range sessions {
		if _, exists := known[incoming.ID]; exists {
			continue
		}
		known[incoming.ID] = struct{}{}
		state.Sessions = append(state.Sessions, cloneSession(incoming))
	}
	sortByRecency(state.Sessions)

	if state.CurrentSessionID == "" && len(state.Sessions) > 0 {
		state.CurrentSessionID = state.Sessions[0].ID
	}
}

// DeleteSession removes a session. If it was selected, selection moves to
// the most recent remaining session so the current id never dangles.
func (s *Store) DeleteSession(tab domain.TabKey, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, index := s.locate(tab, sessionID, "delete session")
	if state == nil {
		return
	}
	state.Sessions = append(state.Sessions[:index], state.Sessions[index+1:]...)
	if state.CurrentSessionID == sessionID {
		state.CurrentSessionID = ""
		if len(state.Sessions) > 0 {
			state.CurrentSessionID = state.Sessions[0].ID
		}
	}
}

// Snapshot returns a deep copy of the tab's state for rendering.
func (s *Store) Snapshot(tab domain.TabKey) domain.TabChatState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("snapshot of unknown tab=%s", tab)
		return domain.TabChatState{}
	}
	copied := domain.TabChatState{
		Sessions:         make([]domain.ChatSession, 0, len(state.Sessions)),
		CurrentSessionID: state.CurrentSessionID,
		PendingInput:     state.PendingInput,
		Loading:          state.Loading,
		Error:            state.Error,
	}
	for _, existing := range state.Sessions {
		copied.Sessions = append(copied.Sessions, cloneSession(existing))
	}
	return copied
}

// Session returns a deep copy of one session.
func (s *Store) Session(tab domain.TabKey, sessionID string) (domain.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		return domain.ChatSession{}, false
	}
	index := indexOfSession(state.Sessions, sessionID)
	if index < 0 {
		return domain.ChatSession{}, false
	}
	return cloneSession(state.Sessions[index]), true
}

// CurrentSession returns a deep copy of the tab's selected session.
func (s *Store) CurrentSession(tab domain.TabKey) (domain.ChatSession, bool) {
	s.mu.Lock()
	current := ""
	if state, ok := s.tabs[tab]; ok {
		current = state.CurrentSessionID
	}
	s.mu.Unlock()

	if current == "" {
		return domain.ChatSession{}, false
	}
	return s.Session(tab, current)
}

func (s *Store) updateTab(tab domain.TabKey, op string, apply func(*domain.TabChatState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("%s on unknown tab=%s", op, tab)
		return
	}
	apply(state)
}

// locate finds a session within a tab. Callers must hold s.mu. Returns a nil
// state when either the tab or the session is unknown.
func (s *Store) locate(tab domain.TabKey, sessionID, op string) (*domain.TabChatState, int) {
	state, ok := s.tabs[tab]
	if !ok {
		s.warnf("%s on unknown tab=%s", op, tab)
		return nil, -1
	}
	index := indexOfSession(state.Sessions, sessionID)
	if index < 0 {
		s.warnf("%s on unknown session tab=%s session_id=%s", op, tab, sessionID)
		return nil, -1
	}
	return state, index
}

func (s *Store) warnf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("session store: "+format, args...)
	}
}

func indexOfSession(sessions []domain.ChatSession, sessionID string) int {
	for i := range sessions {
		if sessions[i].ID == sessionID {
			return i
		}
	}
	return -1
}

func sortByRecency(sessions []domain.ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastMessageAt.After(sessions[j].LastMessageAt)
	})
}

func cloneSession(session domain.ChatSession) domain.ChatSession {
	copied := session
	copied.Messages = make([]domain.ChatMessage, 0, len(session.Messages))
	for _, message := range session.Messages {
		copied.Messages = append(copied.Messages, cloneMessage(message))
	}
	return copied
}

func cloneMessage(message domain.ChatMessage) domain.ChatMessage {
	copied := message
	copied.Attachments = append([]string(nil), message.Attachments...)
	return copied
}
