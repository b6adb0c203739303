// Package journal persists every bus event as JSONL and replays journals
// back onto the bus deterministically.
package journal

import (
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Record is one journal line. Seq is monotone per file; payloads are the
// bus events marshalled with sorted map keys, so identical inputs produce
// byte-identical journals.
type Record struct {
	Seq      int64           `json:"seq"`
	StreamID string          `json:"streamId"`
	RunID    string          `json:"runId"`
	Topic    string          `json:"topic"`
	Symbol   string          `json:"symbol"`
	TsIngest int64           `json:"tsIngest"`
	Payload  json.RawMessage `json:"payload"`
}

// topicDir maps a topic name to its directory segment. Colons are not
// portable across filesystems.
func topicDir(topic string) string {
	return strings.ReplaceAll(topic, ":", "_")
}

// filePath builds the journal path for one record:
// <base>/<streamId>/<symbol>/<topicDir>[/<tf>]/<runId>/<YYYY-MM-DD>.jsonl
func filePath(baseDir, streamID, symbol, topic, tf, runID string, tsIngest int64) string {
	date := time.UnixMilli(tsIngest).UTC().Format("2006-01-02")
	parts := []string{baseDir, streamID, symbol, topicDir(topic)}
	if tf != "" {
		parts = append(parts, tf)
	}
	parts = append(parts, runID, date+".jsonl")
	return filepath.Join(parts...)
}
