package core

// Diagnostics is the telemetry sink. Record is fire-and-forget: it must not
// block, and its failures never reach session logic.
type Diagnostics interface {
	Record(event string, meta map[string]any)
}

// NopDiagnostics drops every event.
type NopDiagnostics struct{}

func (NopDiagnostics) Record(string, map[string]any) {}

// Event names recorded by the session manager.
const (
	EventSessionCreated   = "session_created"
	EventSessionJoined    = "session_joined"
	EventSessionEnded     = "session_ended"
	EventSessionFailed    = "session_failed"
	EventUpdateSent       = "update_sent"
	EventUpdateRejected   = "update_rejected"
	EventUpdateFailed     = "update_failed"
	EventUpdateApplied    = "update_applied"
	EventPayloadRejected  = "payload_rejected"
	EventRetryScheduled   = "retry_scheduled"
	EventRecovered        = "transport_recovered"
	EventExhausted        = "transport_exhausted"
	EventModeChanged      = "mode_changed"
	EventPushFallback     = "push_fallback"
	EventQualityMeasured  = "quality_measured"
	EventViewersRefreshed = "viewers_refreshed"
)
