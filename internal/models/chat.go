package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus статус заявки на услугу
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestOnBudget  RequestStatus = "ON_BUDGET"
)

// Valid сообщает, известен ли статус
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestRejected, RequestCompleted, RequestOnBudget:
		return true
	}
	return false
}

// Request заявка клиента к исполнителю; чат принадлежит заявке
type Request struct {
	ID             string        `json:"id"`
	ClientUserID   string        `json:"client_user_id"`
	ProviderUserID string        `json:"provider_user_id"`
	Status         RequestStatus `json:"status"`
}

// IsParticipant проверяет, что пользователь клиент или исполнитель заявки
func (r *Request) IsParticipant(userID string) bool {
	return userID != "" && (userID == r.ClientUserID || userID == r.ProviderUserID)
}

// Counterpart возвращает второго участника заявки
func (r *Request) Counterpart(userID string) string {
	if userID == r.ClientUserID {
		return r.ProviderUserID
	}
	if userID == r.ProviderUserID {
		return r.ClientUserID
	}
	return ""
}

// MessageType тип сообщения в чате
type MessageType string

const (
	MessageText              MessageType = "TEXT"
	MessageImage             MessageType = "IMAGE"
	MessageVideo             MessageType = "VIDEO"
	MessageProposal          MessageType = "PROPOSAL"
	MessageProposalAccepted  MessageType = "PROPOSAL_ACCEPTED"
	MessageProposalRejected  MessageType = "PROPOSAL_REJECTED"
	MessageProposalCancelled MessageType = "PROPOSAL_CANCELLED"
)

// ParseMessageType разбирает тип сообщения из строки протокола
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageProposal,
		MessageProposalAccepted, MessageProposalRejected, MessageProposalCancelled:
		return t, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// IsMedia сообщения со ссылкой на ресурс
func (t MessageType) IsMedia() bool {
	return t == MessageImage || t == MessageVideo
}

// IsProposal сообщения, относящиеся к протоколу предложений
func (t MessageType) IsProposal() bool {
	switch t {
	case MessageProposal, MessageProposalAccepted, MessageProposalRejected, MessageProposalCancelled:
		return true
	}
	return false
}

// Message сообщение в чате заявки. После сохранения меняется только Viewed.
type Message struct {
	ID          int64       `json:"id"`
	RequestID   string      `json:"request_id"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	Viewed      bool        `json:"viewed"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ProposalState состояние предложения бюджета
type ProposalState string

const (
	ProposalPending   ProposalState = "PENDING"
	ProposalAccepted  ProposalState = "ACCEPTED"
	ProposalRejected  ProposalState = "REJECTED"
	ProposalCancelled ProposalState = "CANCELLED"
)

// Terminal сообщает, что из состояния больше нет переходов
func (s ProposalState) Terminal() bool {
	return s != ProposalPending
}

// ProposalPayload содержимое сообщения PROPOSAL
type ProposalPayload struct {
	Budget         float64       `json:"budget"`
	Observation    string        `json:"observation,omitempty"`
	PreviousStatus RequestStatus `json:"previous_status,omitempty"`
}

// ProposalResolution содержимое сообщений PROPOSAL_ACCEPTED/REJECTED/CANCELLED
type ProposalResolution struct {
	ProposalID int64  `json:"proposal_id"`
	Reason     string `json:"reason,omitempty"`
}

// Proposal предложение бюджета, восстановленное из истории сообщений
type Proposal struct {
	ID             int64         `json:"id"` // ID исходного сообщения PROPOSAL
	RequestID      string        `json:"request_id"`
	ProviderID     string        `json:"provider_id"`
	Budget         float64       `json:"budget"`
	Observation    string        `json:"observation,omitempty"`
	PreviousStatus RequestStatus `json:"previous_status,omitempty"`
	State          ProposalState `json:"state"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

// DecodeProposal разбирает содержимое сообщения PROPOSAL
func DecodeProposal(content string) (ProposalPayload, error) {
	var p ProposalPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeResolution разбирает содержимое сообщения-резолюции предложения
func DecodeResolution(content string) (ProposalResolution, error) {
	var r ProposalResolution
	if content == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return r, err
	}
	return r, nil
}

// Presence состояние подключения пользователя
type Presence struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
