// filename: internal/models/suppression.go
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Suppression окно, в течение которого повторные уведомления с тем же ключом не отправляются
type Suppression struct {
	RuleID  string    `json:"rule_id" db:"rule_id"`
	KeyHash string    `json:"key_hash" db:"key_hash"`
	Until   time.Time `json:"until" db:"until"`
	Created time.Time `json:"created" db:"created"`
	Count   int       `json:"count" db:"count"`
	Reason  string    `json:"reason" db:"reason"`
}

// NewSuppression создает подавление, начиная с now // v1.0
func NewSuppression(ruleID string, keyValues map[string]string, duration time.Duration, reason string, now time.Time) *Suppression {
	return &Suppression{
		RuleID:  ruleID,
		KeyHash: CreateSuppressionKey(ruleID, keyValues),
		Until:   now.Add(duration),
		Created: now,
		Reason:  reason,
	}
}

// IsActive проверяет, действует ли подавление в момент now // v1.0
func (s *Suppression) IsActive(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining возвращает оставшееся время подавления // v1.0
func (s *Suppression) Remaining(now time.Time) time.Duration {
	if !s.IsActive(now) {
		return 0
	}
	return s.Until.Sub(now)
}

// CreateSuppressionKey строит детерминированный ключ подавления // v1.0
func CreateSuppressionKey(ruleID string, keyValues map[string]string) string {
	if len(keyValues) == 0 {
		return fmt.Sprintf("%s:default", ruleID)
	}

	keys := make([]string, 0, len(keyValues))
	for k := range keyValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{ruleID}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, keyValues[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// SuppressionKeyValues поля уведомления, по которым определяются повторы // v1.0
func (n *Notification) SuppressionKeyValues() map[string]string {
	kv := map[string]string{
		"severity": string(n.Severity),
		"title":    n.Title,
	}
	if n.TargetID != "" {
		kv["target"] = n.TargetID
	}
	if n.Category != "" {
		kv["category"] = n.Category
	}
	return kv
}
