package usecase

import (
	"context"
	"errors"
	"fmt"

	"wpp-relay/internal/domain"
)

// syncShared writes rec's shared conversation and relay transcript into the
// stored records of both participants. The two writes are independent; a
// failure on one side does not roll back the other.
func (m *Machine) syncShared(ctx context.Context, rec *domain.ConversationRecord) error {
	var errs []error
	for _, phone := range participants(rec) {
		target := rec
		if phone != rec.Phone {
			other, err := m.store.Load(ctx, phone)
			if err != nil {
				errs = append(errs, fmt.Errorf("load %s: %w", phone, err))
				continue
			}
			target = other
			mirrorRelayState(target, rec)
		}
		if err := m.store.Save(ctx, target); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", phone, err))
		}
	}
	if len(errs) > 0 {
		return newError(ErrorStore, "shared_sync", errors.Join(errs...))
	}
	return nil
}

func participants(rec *domain.ConversationRecord) []string {
	out := make([]string, 0, 2)
	for _, p := range []string{rec.UserPhone, rec.CounterpartyPhone} {
		if p != "" && (len(out) == 0 || out[0] != p) {
			out = append(out, p)
		}
	}
	return out
}

// mirrorRelayState copies the relay-step fields of src into dst.
func mirrorRelayState(dst, src *domain.ConversationRecord) {
	dst.Step = domain.StepRelaying
	dst.Data = src.Data
	dst.UserPhone = src.UserPhone
	dst.CounterpartyPhone = src.CounterpartyPhone
	dst.ConversationID = src.ConversationID
	dst.SharedConversation = cloneShared(src.SharedConversation)
	dst.ChatHistory2 = append([]domain.ChatMessage(nil), src.ChatHistory2...)
}

func cloneShared(s *domain.SharedConversation) *domain.SharedConversation {
	if s == nil {
		return nil
	}
	out := *s
	out.ConversationHistory = append([]domain.SharedEntry{}, s.ConversationHistory...)
	return &out
}
