// Package receivetest correlates statistic requests with the server's
// receive history to detect lost responses.
package receivetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
)

const (
	// RIDPrefix starts every request id.
	RIDPrefix = "RID"
	// MaxPending caps the list of unanswered request ids.
	MaxPending = 10

	sep = ";"
	// maxDiff is the largest receive delay shown in milliseconds.
	maxDiff = 30 * time.Second
)

var now = time.Now

// NewRID returns a request id for the current time.
func NewRID() string {
	return RIDPrefix + strconv.FormatInt(now().UnixMilli(), 10)
}

// RIDTime returns the request time encoded in rid.
func RIDTime(rid string) (int64, bool) {
	millis, ok := strings.CutPrefix(rid, RIDPrefix)
	if !ok {
		return 0, false
	}
	t, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}

// ParseRIDs splits a persisted list of request ids.
func ParseRIDs(s string) []string {
	var rids []string
	for _, rid := range strings.Split(s, sep) {
		if rid != "" {
			rids = append(rids, rid)
		}
	}
	return rids
}

// SerializeRIDs joins request ids for persistence.
func SerializeRIDs(rids []string) string {
	return strings.Join(rids, sep)
}

// AppendRID adds an unanswered request id, dropping the oldest beyond MaxPending.
func AppendRID(rids []string, rid string) []string {
	rids = append(slices.Clone(rids), rid)
	if len(rids) > MaxPending {
		rids = rids[len(rids)-MaxPending:]
	}
	return rids
}

var errUnexpected = errors.New("unexpected statistic entry")

// Parse decodes a statistic payload: a JSON array of {rid, time} and
// {systemstart} objects.
func Parse(payload []byte) ([]domain.ReceiveRecord, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("parse statistic: %w", err)
	}
	records := make([]domain.ReceiveRecord, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("entry %d: %w", i, errUnexpected)
		}
		var rec domain.ReceiveRecord
		if raw, ok := item["rid"]; ok {
			if err := json.Unmarshal(raw, &rec.RID); err != nil {
				return nil, fmt.Errorf("entry %d rid: %w", i, err)
			}
			if err := unmarshalRequired(item, "time", &rec.Time); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		} else if err := unmarshalRequired(item, "systemstart", &rec.SystemStart); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func unmarshalRequired(item map[string]json.RawMessage, key string, v *int64) error {
	raw, ok := item[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", errUnexpected, key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Process returns the request times of pending ids the server reports as
// received, which means their responses were lost. Pending ids older than
// the first reported id are pruned from the returned list.
func Process(records []domain.ReceiveRecord, pending []string) (lost []int64, remaining []string) {
	first := ""
	for _, rec := range records {
		t, ok := RIDTime(rec.RID)
		if !ok {
			continue
		}
		if first == "" {
			first = rec.RID
		}
		if slices.Contains(pending, rec.RID) {
			lost = append(lost, t)
		}
	}

	remaining = slices.Clone(pending)
	if first != "" {
		for len(remaining) > 0 && remaining[0] < first {
			remaining = remaining[1:]
		}
	}
	return lost, remaining
}

// Describe renders the records one line each. Lost responses are marked with "*".
func Describe(records []domain.ReceiveRecord, pending []string) string {
	const layout = "15:04:05 02.01"
	var b strings.Builder
	lost := false
	for _, rec := range records {
		if rec.RID == "" {
			fmt.Fprintf(&b, "Server's system start: %s\n", time.UnixMilli(rec.SystemStart).Format(layout))
			continue
		}
		t, ok := RIDTime(rec.RID)
		if !ok {
			fmt.Fprintf(&b, "Request: %s, received: %s\n", rec.RID, time.UnixMilli(rec.Time).Format(layout))
			continue
		}
		fmt.Fprintf(&b, "Request: %s", time.UnixMilli(t).Format(layout))
		if diff := time.Duration(rec.Time-t) * time.Millisecond; -maxDiff < diff && diff < maxDiff {
			fmt.Fprintf(&b, ", received: %d ms", diff.Milliseconds())
		} else {
			fmt.Fprintf(&b, ", received: %s", time.UnixMilli(rec.Time).Format(layout))
		}
		if slices.Contains(pending, rec.RID) {
			b.WriteString(" *")
			lost = true
		}
		b.WriteString("\n")
	}
	if lost {
		b.WriteString(" * lost responses!\n")
	}
	return b.String()
}
