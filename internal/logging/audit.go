package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one kind of audited operation.
type AuditEventType string

const (
	AuditSandboxRun  AuditEventType = "sandbox_run"
	AuditVerdict     AuditEventType = "verdict"
	AuditGeneration  AuditEventType = "generation"
	AuditRebuild     AuditEventType = "rebuild"
	AuditIngest      AuditEventType = "ingest"
	AuditSessionOpen AuditEventType = "session_open"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat,omitempty"`
	SessionID  string                 `json:"session,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events, optionally scoped to a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit opens the day's audit file next to the category logs. It is a
// no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	file, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s_audit.log", date)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithSession returns an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event as one JSON line.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.Write(append(data, '\n'))
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// SandboxRun records one sandbox execution. err is an infrastructure or
// limit failure, not a fault in the learner's code.
func (a *AuditLogger) SandboxRun(language string, cases int, duration time.Duration, err error) {
	a.Log(AuditEvent{
		EventType:  AuditSandboxRun,
		Category:   string(CategorySandbox),
		Target:     language,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Error:      errText(err),
		Fields:     map[string]interface{}{"cases": cases},
	})
}

// Verdict records a validation outcome.
func (a *AuditLogger) Verdict(stage string, passed bool, duration time.Duration) {
	a.Log(AuditEvent{
		EventType:  AuditVerdict,
		Category:   string(CategoryFeedback),
		Target:     stage,
		Success:    passed,
		DurationMs: duration.Milliseconds(),
	})
}

// Generation records a checkpoint generation.
func (a *AuditLogger) Generation(checkpoints, contextChunks int, duration time.Duration, err error) {
	a.Log(AuditEvent{
		EventType:  AuditGeneration,
		Category:   string(CategoryGenerator),
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Error:      errText(err),
		Fields:     map[string]interface{}{"checkpoints": checkpoints, "context_chunks": contextChunks},
	})
}

// Rebuild records a context store rebuild.
func (a *AuditLogger) Rebuild(dir string, chunks, sources int, duration time.Duration, err error) {
	a.Log(AuditEvent{
		EventType:  AuditRebuild,
		Category:   string(CategoryCorpus),
		Target:     dir,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Error:      errText(err),
		Fields:     map[string]interface{}{"chunks": chunks, "sources": sources},
	})
}

// Ingest records an incremental append.
func (a *AuditLogger) Ingest(source string, added int, err error) {
	a.Log(AuditEvent{
		EventType: AuditIngest,
		Category:  string(CategoryCorpus),
		Target:    source,
		Success:   err == nil,
		Error:     errText(err),
		Fields:    map[string]interface{}{"chunks_added": added},
	})
}

// SessionOpen records a stored lesson.
func (a *AuditLogger) SessionOpen(checkpoints int) {
	a.Log(AuditEvent{
		EventType: AuditSessionOpen,
		Category:  string(CategorySession),
		Success:   true,
		Fields:    map[string]interface{}{"checkpoints": checkpoints},
	})
}
