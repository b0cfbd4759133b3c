package logger

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactingCoreMasksSecretsAndHashesIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromCore(NewRedactingCore(core, "pepper"))

	runID := uuid.New()
	log.With("student_id", "s-42").Info("submitted",
		"openai_api_key", "sk-live",
		"lease_token", "tok-1",
		"run_id", runID,
		"session_id", runID,
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries: want=1 got=%d", len(entries))
	}
	fields := entries[0].ContextMap()
	if got := fields["openai_api_key"]; got != redacted {
		t.Fatalf("api key: want=%s got=%v", redacted, got)
	}
	if got := fields["lease_token"]; got != "tok-1" {
		t.Fatalf("lease token should stay visible: got=%v", got)
	}
	student, _ := fields["student_id"].(string)
	if !strings.HasPrefix(student, "hash:") || strings.Contains(student, "s-42") {
		t.Fatalf("student id should be hashed: got=%q", student)
	}
	session, _ := fields["session_id"].(string)
	if !strings.HasPrefix(session, "hash:") {
		t.Fatalf("stringer identity should be hashed: got=%q", session)
	}
	if fields["run_id"] != runID.String() {
		t.Fatalf("run id untouched: got=%v", fields["run_id"])
	}
}

func TestRedactingCoreHashIsStablePerSalt(t *testing.T) {
	a := &redactingCore{salt: "one"}
	b := &redactingCore{salt: "two"}
	if a.hash("s1") != a.hash("s1") {
		t.Fatalf("hash should be deterministic")
	}
	if a.hash("s1") == b.hash("s1") {
		t.Fatalf("salt should change the hash")
	}
	if a.hash("") != "" {
		t.Fatalf("empty stays empty")
	}
}
