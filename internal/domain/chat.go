package domain

import (
	"strings"
	"time"
)

// TabKey identifies one of the fixed advisor categories. Each tab owns its
// chat sessions exclusively; sessions are never shared across tabs.
type TabKey string

const (
	TabCareer   TabKey = "career"
	TabOffer    TabKey = "offer"
	TabContract TabKey = "contract"
	TabMonitor  TabKey = "monitor"
)

func AllTabs() []TabKey {
	return []TabKey{TabCareer, TabOffer, TabContract, TabMonitor}
}

func (t TabKey) Valid() bool {
	switch t {
	case TabCareer, TabOffer, TabContract, TabMonitor:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in a session transcript. Content is mutable only
// for the assistant message currently receiving stream chunks; everything
// else is append-only.
type ChatMessage struct {
	ID          string
	ThreadID    string
	Role        Role
	Content     string
	Timestamp   time.Time
	Attachments []string
}

// ChatSession is one conversation thread within one advisor tab.
type ChatSession struct {
	ID            string
	Title         string
	Messages      []ChatMessage
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// TabChatState is the per-tab view the UI renders. CurrentSessionID empty
// means no session selected, not "first session".
type TabChatState struct {
	Sessions         []ChatSession
	CurrentSessionID string
	PendingInput     string
	Loading          bool
	Error            string
}

// Attachment reference schemes carried on messages. A document reference
// points at an uploaded document; an inline PDF carries the blob itself.
const (
	documentRefPrefix = "document:"
	inlinePDFPrefix   = "data:application/pdf;base64,"
)

func IsDocumentRef(attachment string) bool {
	return strings.HasPrefix(attachment, documentRefPrefix)
}

func DocumentRefID(attachment string) string {
	return strings.TrimPrefix(attachment, documentRefPrefix)
}

func DocumentRef(documentID string) string {
	return documentRefPrefix + documentID
}

func InlinePDF(base64Data string) string {
	return inlinePDFPrefix + base64Data
}

func IsInlinePDF(attachment string) bool {
	return strings.HasPrefix(attachment, inlinePDFPrefix)
}

// InlinePDFData returns the base64 payload of an inline PDF attachment.
func InlinePDFData(attachment string) string {
	return strings.TrimPrefix(attachment, inlinePDFPrefix)
}
