package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HistoryReport summarises the shape of a stored chat history.
type HistoryReport struct {
	Messages int
	Issues   []string
}

func (r HistoryReport) Valid() bool { return len(r.Issues) == 0 }

// CheckHistory validates a stored chat history: a JSON array of objects with
// a known role and content that is a string or an array of typed blocks.
func CheckHistory(raw string) HistoryReport {
	var msgs []any
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return HistoryReport{Issues: []string{"chat history is not a JSON array: " + err.Error()}}
	}

	report := HistoryReport{Messages: len(msgs)}
	for i, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			report.Issues = append(report.Issues, fmt.Sprintf("message %d is not an object", i))
			continue
		}

		switch role, _ := obj["role"].(string); role {
		case "user", "assistant", "system", "tool":
		case "":
			report.Issues = append(report.Issues, fmt.Sprintf("message %d missing role", i))
		default:
			report.Issues = append(report.Issues, fmt.Sprintf("message %d has invalid role %q", i, role))
		}

		content, ok := obj["content"]
		if !ok {
			if _, hasCalls := obj["tool_calls"]; !hasCalls {
				report.Issues = append(report.Issues, fmt.Sprintf("message %d missing content", i))
			}
			continue
		}
		switch c := content.(type) {
		case string:
		case []any:
			for j, part := range c {
				p, ok := part.(map[string]any)
				if !ok {
					report.Issues = append(report.Issues, fmt.Sprintf("message %d content[%d] is not an object", i, j))
					continue
				}
				if _, ok := p["type"]; !ok {
					report.Issues = append(report.Issues, fmt.Sprintf("message %d content[%d] missing type", i, j))
				}
			}
		case map[string]any:
			report.Issues = append(report.Issues, fmt.Sprintf("message %d content is an object (should be string or array)", i))
		default:
			report.Issues = append(report.Issues, fmt.Sprintf("message %d content has type %T (should be string or array)", i, c))
		}
	}
	return report
}

// RecordReport is the diagnosis of one stored conversation.
type RecordReport struct {
	Phone   string
	Key     string
	Fields  map[string]HistoryReport
	Cleared bool
}

func (r RecordReport) Valid() bool {
	for _, h := range r.Fields {
		if !h.Valid() {
			return false
		}
	}
	return true
}

// CheckConversations validates the chat histories of every stored
// conversation. With clear set, records with a corrupted history are deleted.
func CheckConversations(ctx context.Context, kv Store, clear bool) ([]RecordReport, error) {
	keys, err := kv.Keys(ctx, PrefixConversation)
	if err != nil {
		return nil, fmt.Errorf("repository: CheckConversations: %w", err)
	}
	sort.Strings(keys)

	reports := make([]RecordReport, 0, len(keys))
	for _, key := range keys {
		fields, err := kv.Get(ctx, key)
		if err != nil {
			return reports, fmt.Errorf("repository: CheckConversations: %w", err)
		}
		if fields == nil {
			continue
		}
		rep := RecordReport{
			Phone:  strings.TrimPrefix(key, PrefixConversation),
			Key:    key,
			Fields: map[string]HistoryReport{},
		}
		for _, name := range []string{fieldChatHistory, fieldChatHistory2} {
			if raw, ok := fields[name]; ok {
				rep.Fields[name] = CheckHistory(raw)
			}
		}
		if clear && !rep.Valid() {
			if err := kv.Delete(ctx, key); err != nil {
				return reports, fmt.Errorf("repository: CheckConversations: %w", err)
			}
			rep.Cleared = true
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
