// Package audit implements the tamper-evident audit trail ledger. Entries
// form a SHA-256 hash chain rooted at a random genesis value; each entry is
// written to the store and to a rotating segment file before the chain
// advances.
package audit

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"sectrail/internal/encryption"
	"sectrail/internal/schema"
)

// AuditEntry is one link in the ledger's hash chain.
type AuditEntry struct {
	Sequence      uint64             `json:"sequence"`
	PreviousHash  string             `json:"previousHash"`
	IntegrityHash string             `json:"integrityHash"`
	CorrelationID string             `json:"correlationId"`
	EventType     schema.EventType   `json:"eventType"`
	Severity      schema.Severity    `json:"severity"`
	UserID        string             `json:"userId,omitempty"`
	Details       map[string]any     `json:"details,omitempty"`
	RequestInfo   *RequestInfo       `json:"requestInfo,omitempty"`
	Encrypted     bool               `json:"encrypted"`
	EncryptedData *encryption.Sealed `json:"encryptedData,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// RequestInfo is the request metadata recorded with an entry. Credential
// headers are always redacted.
type RequestInfo struct {
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// sealedPayload is the plaintext sealed into EncryptedData.
type sealedPayload struct {
	Details     map[string]any `json:"details,omitempty"`
	RequestInfo *RequestInfo   `json:"requestInfo,omitempty"`
}

// EntryInput describes an audited action.
type EntryInput struct {
	EventType schema.EventType
	Severity  schema.Severity
	Details   map[string]any
	UserID    string
	Request   *schema.RequestContext
}

// ChainState is the persisted head of the hash chain.
type ChainState struct {
	Genesis   string    `json:"genesis"`
	LastHash  string    `json:"lastHash"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newChainState() (*ChainState, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	genesis := hex.EncodeToString(b)
	return &ChainState{Genesis: genesis, LastHash: genesis}, nil
}

// ComputeIntegrityHash hashes the chained fields of an entry together with
// its plaintext payload: the details and the request info, whether they are
// stored in the clear or sealed.
func ComputeIntegrityHash(e *AuditEntry, details map[string]any, req *RequestInfo) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0x1f})
	}

	write(strconv.FormatUint(e.Sequence, 10))
	write(e.PreviousHash)
	write(e.Timestamp.UTC().Format(time.RFC3339Nano))
	write(string(e.EventType))
	write(string(e.Severity))
	write(e.UserID)
	write(canonical(sealedPayload{Details: details, RequestInfo: req}))
	write(e.CorrelationID)

	return hex.EncodeToString(h.Sum(nil))
}

// canonical renders the payload deterministically. encoding/json sorts map
// keys at every level and writes json.Number values verbatim.
func canonical(p sealedPayload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// normalizeDetails returns details in the shape they have after a store
// round trip: nested values become JSON objects and arrays, and numbers
// become json.Number so large integers keep every digit.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeExact(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeExact unmarshals b keeping numbers as json.Number.
func decodeExact(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// UnmarshalJSON decodes an entry without widening detail numbers to
// float64, so a stored entry hashes exactly as it did when written.
func (e *AuditEntry) UnmarshalJSON(b []byte) error {
	type entry AuditEntry
	return decodeExact(b, (*entry)(e))
}

func requestInfo(rc *schema.RequestContext, headers map[string]string) *RequestInfo {
	if rc == nil {
		return nil
	}
	dev := rc.DeviceInfo()
	return &RequestInfo{
		Method:    rc.Method,
		Path:      rc.Path,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
		Headers:   headers,
	}
}
