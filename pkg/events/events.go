// Package events defines the closed set of server-pushed event kinds and decodes wire
// messages into them at the boundary.
package events

import (
	"encoding/json"
	"time"
)

// Wire event names.
const (
	AnalysisCompleted         = "analysis_completed"
	WorkQueueItemAdded        = "work_queue_item_added"
	WorkQueueItemUpdated      = "work_queue_item_updated"
	WorkQueueItemRemoved      = "work_queue_item_removed"
	NotificationReceived      = "notification_received"
	SupportSessionCreated     = "support_session_created"
	SupportSessionClaimed     = "support_session_claimed"
	SupportSessionEscalated   = "support_session_escalated"
	SupportSessionClosed      = "support_session_closed"
	SupportMessageReceived    = "support_message_received"
	SupportNewRequestForStaff = "support_new_request_for_staff"
)

// Event is one decoded server event.
type Event interface {
	// Name returns the wire event name.
	Name() string
}

// Analysis reports that a churn analysis run finished.
type Analysis struct {
	AnalysisID  string    `json:"analysisId"`
	CustomerID  string    `json:"customerId,omitempty"`
	SegmentID   string    `json:"segmentId,omitempty"`
	Status      string    `json:"status"`
	RiskScore   float64   `json:"riskScore,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

func (*Analysis) Name() string { return AnalysisCompleted }

// WorkQueueItem is an entry of the retention team's work queue.
type WorkQueueItem struct {
	ItemID     string    `json:"itemId"`
	CustomerID string    `json:"customerId"`
	PlaybookID string    `json:"playbookId,omitempty"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type WorkQueueAdded struct {
	WorkQueueItem
}

func (*WorkQueueAdded) Name() string { return WorkQueueItemAdded }

type WorkQueueUpdated struct {
	WorkQueueItem
}

func (*WorkQueueUpdated) Name() string { return WorkQueueItemUpdated }

type WorkQueueRemoved struct {
	ItemID     string `json:"itemId"`
	CustomerID string `json:"customerId,omitempty"`
}

func (*WorkQueueRemoved) Name() string { return WorkQueueItemRemoved }

// Notification is a user-facing notice shown as a toast.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (*Notification) Name() string { return NotificationReceived }

// SessionCreated reports a new support chat session opened by a customer.
type SessionCreated struct {
	SessionID    string    `json:"sessionId"`
	CustomerID   string    `json:"customerId"`
	CustomerName string    `json:"customerName,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (*SessionCreated) Name() string { return SupportSessionCreated }

type SessionClaimed struct {
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName,omitempty"`
	ClaimedAt time.Time `json:"claimedAt"`
}

func (*SessionClaimed) Name() string { return SupportSessionClaimed }

type SessionEscalated struct {
	SessionID   string    `json:"sessionId"`
	Reason      string    `json:"reason,omitempty"`
	EscalatedTo string    `json:"escalatedTo,omitempty"`
	EscalatedAt time.Time `json:"escalatedAt"`
}

func (*SessionEscalated) Name() string { return SupportSessionEscalated }

type SessionClosed struct {
	SessionID string    `json:"sessionId"`
	ClosedBy  string    `json:"closedBy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ClosedAt  time.Time `json:"closedAt"`
}

func (*SessionClosed) Name() string { return SupportSessionClosed }

// ChatMessage is one message posted to a support session.
type ChatMessage struct {
	SessionID  string    `json:"sessionId"`
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sentAt"`
}

func (*ChatMessage) Name() string { return SupportMessageReceived }

// StaffRequest reports a customer waiting for a staff member to claim their session.
type StaffRequest struct {
	SessionID    string    `json:"sessionId"`
	CustomerID   string    `json:"customerId"`
	CustomerName string    `json:"customerName,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	QueuedAt     time.Time `json:"queuedAt"`
}

func (*StaffRequest) Name() string { return SupportNewRequestForStaff }

// Unknown carries an event whose name is not part of the known set.
type Unknown struct {
	Event     string
	Arguments []json.RawMessage
}

func (u *Unknown) Name() string { return u.Event }
