package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/amanthanvi/credstore/internal/storage"
)

// verifyBatch is how many events Verify reads; a chain longer than this is
// reported as unverifiable rather than silently truncated.
const verifyBatch = 1_000_000

// Service appends events to a SHA-256 hash chain. Every event hash covers the
// previous hash and every stored column of the event, so editing, removing or
// reordering rows breaks Verify.
type Service struct {
	repo     storage.AuditRepository
	mu       sync.Mutex
	chainTip string
}

func NewService(repo storage.AuditRepository) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new audit service: repository is nil")
	}
	tip, err := repo.ChainTip(context.Background())
	if err != nil {
		return nil, fmt.Errorf("new audit service: read chain tip: %w", err)
	}
	return &Service{repo: repo, chainTip: tip}, nil
}

// Record appends one event. Details must marshal to a JSON object; keys that
// look like secret material are dropped before anything is stored.
func (s *Service) Record(ctx context.Context, event Event) error {
	if !slices.Contains(AllActionTypes, event.Action) {
		return fmt.Errorf("record audit event: unknown action %q", event.Action)
	}
	switch event.Result {
	case "":
		event.Result = ResultSuccess
	case ResultSuccess, ResultFailure:
	default:
		return fmt.Errorf("record audit event: unknown result %q", event.Result)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	details, err := detailsJSON(event.Details)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &storage.AuditEvent{
		Action:      event.Action,
		TargetID:    event.TargetID,
		Result:      event.Result,
		DetailsJSON: details,
		PrevHash:    s.chainTip,
		CreatedAt:   event.Timestamp.UTC(),
	}
	entry.EventHash = linkHash(s.chainTip, *entry)

	if err := s.repo.AppendWithTip(ctx, entry, entry.EventHash); err != nil {
		return fmt.Errorf("record audit event: append: %w", err)
	}
	s.chainTip = entry.EventHash
	return nil
}

// Verify recomputes the chain from the first event and compares the result
// with the stored tip. A broken link is a result, not an error.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	events, err := s.repo.List(ctx, storage.AuditFilter{Limit: verifyBatch})
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: list events: %w", err)
	}
	result := &VerifyResult{EventCount: len(events)}
	if len(events) == verifyBatch {
		result.Error = fmt.Sprintf("more than %d events", verifyBatch-1)
		return result, nil
	}

	prev := ""
	for i, event := range events {
		if !hashEqual(event.PrevHash, prev) || !hashEqual(event.EventHash, linkHash(prev, event)) {
			result.ChainTip = prev
			result.Error = fmt.Sprintf("hash mismatch at event %d (%s %s)", i+1, event.Action, event.ID)
			return result, nil
		}
		prev = event.EventHash
	}
	result.ChainTip = prev

	storedTip, err := s.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: read chain tip: %w", err)
	}
	if !hashEqual(storedTip, prev) {
		result.Error = "hash mismatch at chain tip"
		return result, nil
	}
	result.Valid = true
	return result, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	events, err := s.repo.List(ctx, storage.AuditFilter{
		Action:   filter.Action,
		TargetID: filter.TargetID,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	out := make([]RecordedEvent, 0, len(events))
	for _, event := range events {
		out = append(out, RecordedEvent{
			ID:          event.ID,
			Timestamp:   event.CreatedAt,
			Action:      event.Action,
			TargetID:    event.TargetID,
			Result:      event.Result,
			DetailsJSON: event.DetailsJSON,
			PrevHash:    event.PrevHash,
			EventHash:   event.EventHash,
		})
	}
	return out, nil
}

// linkHash is SHA-256 over the previous hash and the length-prefixed stored
// columns. The timestamp is hashed in its stored RFC 3339 form so a row read
// back hashes to the same value it was written with.
func linkHash(prev string, event storage.AuditEvent) string {
	h := sha256.New()
	for _, field := range []string{
		prev,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
		event.Action,
		event.TargetID,
		event.Result,
		event.DetailsJSON,
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// detailsJSON renders details as a compact JSON object with sorted keys and
// sensitive keys removed at every depth.
func detailsJSON(details any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		return "", fmt.Errorf("details must be a json object")
	}
	clean, err := json.Marshal(stripSensitive(object))
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(clean), nil
}

func stripSensitive(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if isSensitiveDetailKey(key) {
				continue
			}
			clean[key] = stripSensitive(nested)
		}
		return clean
	case []any:
		for i, nested := range typed {
			typed[i] = stripSensitive(nested)
		}
		return typed
	default:
		return value
	}
}

var sensitiveDetailPatterns = []string{
	"secret", "passphrase", "password", "token",
	"comment", "salt", "nonce", "key_check",
	"master_key", "record_key", "hmac", "plaintext",
}

func isSensitiveDetailKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, pattern := range sensitiveDetailPatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}
