package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

var proposalTypes = []models.MessageType{
	models.MessageProposal,
	models.MessageProposalAccepted,
	models.MessageProposalRejected,
	models.MessageProposalCancelled,
}

// Статусы заявки, в которых исполнитель может предложить бюджет
var proposalOpenStatuses = []models.RequestStatus{
	models.RequestPending,
	models.RequestRejected,
	models.RequestOnBudget,
}

// ProposalSnapshot текущее состояние протокола предложений заявки.
// Возвращается клиенту вместе с ошибкой конфликта.
type ProposalSnapshot struct {
	RequestID     string               `json:"request_id"`
	RequestStatus models.RequestStatus `json:"request_status"`
	Proposal      *models.Proposal     `json:"proposal,omitempty"`
}

// foldProposals восстанавливает предложения из сообщений протокола в порядке сохранения
func foldProposals(msgs []models.Message) []*models.Proposal {
	var out []*models.Proposal
	byID := make(map[int64]*models.Proposal)

	for _, m := range msgs {
		switch m.Type {
		case models.MessageProposal:
			payload, err := models.DecodeProposal(m.Content)
			if err != nil {
				continue
			}
			p := &models.Proposal{
				ID:             m.ID,
				RequestID:      m.RequestID,
				ProviderID:     m.SenderID,
				Budget:         payload.Budget,
				Observation:    payload.Observation,
				PreviousStatus: payload.PreviousStatus,
				State:          models.ProposalPending,
				CreatedAt:      m.CreatedAt,
			}
			out = append(out, p)
			byID[p.ID] = p

		case models.MessageProposalAccepted, models.MessageProposalRejected, models.MessageProposalCancelled:
			res, err := models.DecodeResolution(m.Content)
			if err != nil {
				continue
			}
			p, ok := byID[res.ProposalID]
			if !ok || p.State.Terminal() {
				continue
			}
			p.State = resolutionState(m.Type)
			p.ResolvedBy = m.SenderID
			resolvedAt := m.CreatedAt
			p.ResolvedAt = &resolvedAt
		}
	}
	return out
}

func resolutionState(t models.MessageType) models.ProposalState {
	switch t {
	case models.MessageProposalAccepted:
		return models.ProposalAccepted
	case models.MessageProposalRejected:
		return models.ProposalRejected
	default:
		return models.ProposalCancelled
	}
}

func pendingProposal(ps []*models.Proposal) *models.Proposal {
	for _, p := range ps {
		if p.State == models.ProposalPending {
			return p
		}
	}
	return nil
}

func latestProposal(ps []*models.Proposal) *models.Proposal {
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func findProposal(ps []*models.Proposal, id int64) *models.Proposal {
	for _, p := range ps {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// findResend ищет уже сохраненное сообщение с тем же client_msg_id от того же отправителя
func findResend(msgs []models.Message, msg *models.Message) *models.Message {
	if msg.ClientMsgID == "" {
		return nil
	}
	for i := range msgs {
		if msgs[i].SenderID == msg.SenderID && msgs[i].ClientMsgID == msg.ClientMsgID {
			return &msgs[i]
		}
	}
	return nil
}

// proposalState читает заявку и сообщения протокола. Статус заявки учитывает
// обновление, ожидающее сверки.
func (s *ChatService) proposalState(ctx context.Context, requestID string) (*models.Request, []models.Message, []*models.Proposal, error) {
	req, err := s.getRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if status, ok := s.reconciler.PendingStatus(requestID); ok {
		req.Status = status
	}
	msgs, err := call(s, ctx, "list_proposals", func(ctx context.Context) ([]models.Message, error) {
		return s.messages.ListMessagesByType(ctx, requestID, proposalTypes)
	})
	if err != nil {
		return nil, nil, nil, storeError("load proposals", err)
	}
	return req, msgs, foldProposals(msgs), nil
}

// proposalStep проверяет роль отправителя и возвращает проверку состояния,
// которая выполняется под блокировкой комнаты
func (s *ChatService) proposalStep(req *models.Request, senderID string, in SendInput) (prepareFunc, error) {
	switch in.Type {
	case models.MessageProposal:
		if senderID != req.ProviderUserID {
			return nil, apperr.Forbidden("only the provider can send a proposal")
		}
		payload, err := s.parseProposal(in.Content)
		if err != nil {
			return nil, err
		}
		return s.prepareProposal(payload), nil

	case models.MessageProposalAccepted, models.MessageProposalRejected:
		if senderID != req.ClientUserID {
			return nil, apperr.Forbidden("only the client can accept or reject a proposal")
		}
	}

	res := parseResolution(in.Content)
	if in.ProposalID != 0 {
		res.ProposalID = in.ProposalID
	}
	return s.prepareResolution(in.Type, res), nil
}

func (s *ChatService) parseProposal(content string) (models.ProposalPayload, error) {
	var payload models.ProposalPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return payload, apperr.Validation("proposal content must be a JSON object with a budget")
	}
	if payload.Budget <= 0 || math.IsNaN(payload.Budget) || math.IsInf(payload.Budget, 0) {
		return payload, apperr.Validation("proposal budget must be a positive number")
	}
	payload.Observation = strings.TrimSpace(payload.Observation)
	if limit := s.opts.MaxMessageLength; limit > 0 && utf8.RuneCountInString(payload.Observation) > limit {
		return payload, apperr.Validationf("observation exceeds %d characters", limit)
	}
	// Предыдущий статус выставляет сервер
	payload.PreviousStatus = ""
	return payload, nil
}

// parseResolution принимает JSON-объект резолюции либо простой текст причины
func parseResolution(content string) models.ProposalResolution {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.ProposalResolution{}
	}
	if res, err := models.DecodeResolution(content); err == nil {
		return res
	}
	return models.ProposalResolution{Reason: content}
}

func (s *ChatService) prepareProposal(payload models.ProposalPayload) prepareFunc {
	return func(ctx context.Context, msg *models.Message) (prepared, error) {
		req, msgs, proposals, err := s.proposalState(ctx, msg.RequestID)
		if err != nil {
			return prepared{}, err
		}
		if dup := findResend(msgs, msg); dup != nil {
			return prepared{existing: dup}, nil
		}

		snapshot := ProposalSnapshot{RequestID: req.ID, RequestStatus: req.Status, Proposal: latestProposal(proposals)}
		if p := pendingProposal(proposals); p != nil {
			snapshot.Proposal = p
			return prepared{}, apperr.Conflict("a proposal is already pending", snapshot)
		}
		if !slices.Contains(proposalOpenStatuses, req.Status) {
			return prepared{}, apperr.Conflict(
				fmt.Sprintf("request status %s does not permit proposals", req.Status), snapshot)
		}

		// ON_BUDGET без ожидающего предложения: откат ведет к статусу до первого предложения
		previous := req.Status
		if previous == models.RequestOnBudget {
			previous = models.RequestPending
			if last := latestProposal(proposals); last != nil && last.PreviousStatus != "" {
				previous = last.PreviousStatus
			}
		}
		payload.PreviousStatus = previous

		content, err := json.Marshal(payload)
		if err != nil {
			return prepared{}, apperr.Validation("invalid proposal")
		}
		msg.Content = string(content)
		return prepared{status: models.RequestOnBudget}, nil
	}
}

func (s *ChatService) prepareResolution(t models.MessageType, res models.ProposalResolution) prepareFunc {
	return func(ctx context.Context, msg *models.Message) (prepared, error) {
		req, msgs, proposals, err := s.proposalState(ctx, msg.RequestID)
		if err != nil {
			return prepared{}, err
		}
		if dup := findResend(msgs, msg); dup != nil {
			return prepared{existing: dup}, nil
		}

		var target *models.Proposal
		if res.ProposalID == 0 {
			target = pendingProposal(proposals)
			if target == nil {
				return prepared{}, apperr.Conflict("no pending proposal",
					ProposalSnapshot{RequestID: req.ID, RequestStatus: req.Status, Proposal: latestProposal(proposals)})
			}
		} else if target = findProposal(proposals, res.ProposalID); target == nil {
			return prepared{}, apperr.Validationf("unknown proposal %d", res.ProposalID)
		}

		if target.State.Terminal() {
			return prepared{}, apperr.Conflict(
				fmt.Sprintf("proposal is already %s", strings.ToLower(string(target.State))),
				ProposalSnapshot{RequestID: req.ID, RequestStatus: req.Status, Proposal: target})
		}

		res.ProposalID = target.ID
		content, err := json.Marshal(res)
		if err != nil {
			return prepared{}, apperr.Validation("invalid proposal resolution")
		}
		msg.Content = string(content)

		var status models.RequestStatus
		switch t {
		case models.MessageProposalAccepted:
			status = models.RequestAccepted
		case models.MessageProposalRejected:
			status = models.RequestRejected
		default:
			status = target.PreviousStatus
			if status == "" {
				status = models.RequestPending
			}
		}
		return prepared{status: status}, nil
	}
}

// CurrentProposal состояние последнего предложения заявки
func (s *ChatService) CurrentProposal(ctx context.Context, userID, requestID string) (*ProposalSnapshot, error) {
	if _, err := s.authorize(ctx, requestID, userID); err != nil {
		return nil, err
	}
	req, _, proposals, err := s.proposalState(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &ProposalSnapshot{RequestID: req.ID, RequestStatus: req.Status, Proposal: latestProposal(proposals)}, nil
}

// SendProposal исполнитель предлагает бюджет
func (s *ChatService) SendProposal(ctx context.Context, caller Caller, requestID string, budget float64, observation, clientMsgID string) (*SendResult, error) {
	content, err := json.Marshal(models.ProposalPayload{Budget: budget, Observation: observation})
	if err != nil {
		return nil, apperr.Validation("proposal budget must be a positive number")
	}
	return s.Send(ctx, caller, SendInput{
		RequestID:   requestID,
		Type:        models.MessageProposal,
		Content:     string(content),
		ClientMsgID: clientMsgID,
	})
}

// ResolveProposal принимает, отклоняет или отменяет предложение в зависимости от t
func (s *ChatService) ResolveProposal(ctx context.Context, caller Caller, requestID string, t models.MessageType, proposalID int64, reason string) (*SendResult, error) {
	switch t {
	case models.MessageProposalAccepted, models.MessageProposalRejected, models.MessageProposalCancelled:
	default:
		return nil, apperr.Validationf("%s is not a proposal resolution", t)
	}
	content, err := json.Marshal(models.ProposalResolution{ProposalID: proposalID, Reason: strings.TrimSpace(reason)})
	if err != nil {
		return nil, apperr.Validation("invalid proposal resolution")
	}
	return s.Send(ctx, caller, SendInput{
		RequestID:  requestID,
		Type:       t,
		Content:    string(content),
		ProposalID: proposalID,
	})
}
