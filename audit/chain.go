// Package audit implements the append-only, hash-linked audit chain.
// crypto/sha256 is used directly rather than pulling in a hashing library,
// since the chain only needs a stable checksum, not a cryptographic
// signature scheme.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/web3guy0/ordercore/types"
)

const maxInlineValueBytes = 8 * 1024

// Chain appends entries to the audit_events table, computing each row's
// checksum over its own fields plus the previous row's checksum.
type Chain struct {
	db *sql.DB
}

// New constructs a Chain backed by db.
func New(db *sql.DB) *Chain {
	return &Chain{db: db}
}

// Entry is the caller-supplied content of one audit event, before chaining.
type Entry struct {
	EventType    string
	ActorID      string
	ActorType    string
	ResourceType string
	ResourceID   string
	RequestID    string
	Source       string
	Severity     string
	OldValue     interface{}
	NewValue     interface{}
}

// Append writes one audit event, computing checksum = sha256(canonical(entry) + prev_checksum).
// Values larger than 8 KiB are stored by reference (a hash of the value)
// with the full payload omitted from the chain row itself.
func (c *Chain) Append(ctx context.Context, e Entry) (*types.AuditEvent, error) {
	prev, err := c.lastChecksum(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prev checksum: %w", err)
	}

	oldJSON, err := canonicalJSON(e.OldValue)
	if err != nil {
		return nil, fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := canonicalJSON(e.NewValue)
	if err != nil {
		return nil, fmt.Errorf("marshal new value: %w", err)
	}

	mode := types.ValueModeDiff
	valueHash := ""
	if len(oldJSON)+len(newJSON) > maxInlineValueBytes {
		mode = types.ValueModeReference
		valueHash = hashBytes(append(append([]byte{}, oldJSON...), newJSON...))
		oldJSON, newJSON = nil, nil
	}

	severity := e.Severity
	if severity == "" {
		severity = "info"
	}

	checksumInput := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		prev, e.EventType, e.ActorID, e.ActorType, e.ResourceType, e.ResourceID,
		e.RequestID, e.Source, string(oldJSON), string(newJSON))
	checksum := hashBytes([]byte(checksumInput))

	var seq int64
	var createdAt time.Time
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO audit_events
			(checksum, prev_checksum, event_type, actor_id, actor_type, resource_type,
			 resource_id, request_id, source, severity, old_value, new_value, value_mode, value_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING sequence_id, created_at
	`, checksum, prev, e.EventType, e.ActorID, e.ActorType, e.ResourceType, e.ResourceID,
		e.RequestID, e.Source, severity, nullableJSON(oldJSON), nullableJSON(newJSON), string(mode), valueHash).
		Scan(&seq, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}

	return &types.AuditEvent{
		SequenceID: seq, Checksum: checksum, PrevChecksum: prev,
		EventType: e.EventType, ActorID: e.ActorID, ActorType: e.ActorType,
		ResourceType: e.ResourceType, ResourceID: e.ResourceID, RequestID: e.RequestID,
		Source: e.Source, Severity: severity, OldValue: oldJSON, NewValue: newJSON,
		ValueMode: mode, ValueHash: valueHash, CreatedAt: createdAt,
	}, nil
}

func (c *Chain) lastChecksum(ctx context.Context) (string, error) {
	var checksum string
	err := c.db.QueryRowContext(ctx, `
		SELECT checksum FROM audit_events ORDER BY sequence_id DESC LIMIT 1
	`).Scan(&checksum)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return checksum, err
}

// VerifyError describes one integrity violation found while walking the
// chain. Reason names the specific check that failed.
type VerifyError struct {
	SequenceID int64
	Reason     string
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("sequence_id %d: %s", e.SequenceID, e.Reason)
}

// Verify walks the full chain in sequence order, checking monotonic
// (gap-free) sequence_id, prev_checksum linkage, and recomputed checksum
// equality. Every violation is reported — the walk never stops at the first
// one, since an operator investigating a break needs the full picture, not
// just its first symptom.
func (c *Chain) Verify(ctx context.Context) ([]VerifyError, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT sequence_id, checksum, prev_checksum, event_type, actor_id, actor_type,
		       resource_type, resource_id, request_id, source, old_value, new_value
		FROM audit_events ORDER BY sequence_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []VerifyError
	prevChecksum := ""
	var prevSeq int64
	first := true
	for rows.Next() {
		var seq int64
		var checksum, prevStored, eventType, actorID, actorType, resourceType, resourceID, requestID, source string
		var oldVal, newVal []byte
		if err := rows.Scan(&seq, &checksum, &prevStored, &eventType, &actorID, &actorType,
			&resourceType, &resourceID, &requestID, &source, &oldVal, &newVal); err != nil {
			return errs, err
		}

		if !first {
			switch {
			case seq <= prevSeq:
				errs = append(errs, VerifyError{SequenceID: seq, Reason: "sequence_id is not monotonically increasing"})
			case seq != prevSeq+1:
				errs = append(errs, VerifyError{SequenceID: seq, Reason: fmt.Sprintf("gap in sequence_id: expected %d, got %d", prevSeq+1, seq)})
			}
		}

		if prevStored != prevChecksum {
			errs = append(errs, VerifyError{SequenceID: seq, Reason: "prev_checksum does not match the preceding row's checksum"})
		}
		want := hashBytes([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
			prevChecksum, eventType, actorID, actorType, resourceType, resourceID,
			requestID, source, string(oldVal), string(newVal))))
		if want != checksum {
			errs = append(errs, VerifyError{SequenceID: seq, Reason: "checksum does not match the recomputed value"})
		}

		prevChecksum = checksum
		prevSeq = seq
		first = false
	}
	return errs, rows.Err()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with sorted map keys so checksum computation is
// stable regardless of field order upstream, redacting sensitive fields
// before the value is ever written to the chain.
func canonicalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, nil
	}
	return marshalSorted(redactValue(generic))
}

// sensitiveFields lists JSON object keys masked globally, regardless of
// resource_type, matched case-insensitively.
var sensitiveFields = map[string]bool{
	"api_key": true, "apikey": true, "client_secret": true, "secret": true,
	"password": true, "token": true, "access_token": true, "refresh_token": true,
	"account_number": true, "routing_number": true, "ssn": true,
}

// redactValue walks a decoded JSON value and masks any object field whose
// key matches sensitiveFields, recursing into nested objects and arrays.
func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, fv := range val {
			if sensitiveFields[strings.ToLower(k)] {
				out[k] = maskValue(fv)
				continue
			}
			out[k] = redactValue(fv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

// maskValue masks a sensitive field's value: strings use the XX****YY
// pattern, everything else is fully masked since there's no partial-reveal
// convention for non-string types.
func maskValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return "****"
	}
	return maskString(s)
}

// maskString keeps the first two and last two runes, masking the rest as
// "****"; strings of 4 runes or fewer are fully masked since there would be
// nothing left to mask.
func maskString(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:2]) + "****" + string(r[len(r)-2:])
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
