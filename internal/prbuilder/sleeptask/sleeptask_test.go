package sleeptask

import (
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
)

func TestSleepTask_ExitsAfterDuration(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("sleep")
	task := New(endpoint, 20*time.Millisecond, nil)

	if !task.Join(time.Second) {
		t.Fatal("sleep task should exit on its own once the duration elapses")
	}
}

func TestSleepTask_TerminateEndsSleepEarly(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("sleep")
	task := New(endpoint, time.Hour, nil)

	if task.Join(20 * time.Millisecond) {
		t.Fatal("sleep task should still be sleeping")
	}

	task.Terminate()
	if !task.Join(time.Second) {
		t.Fatal("Terminate should end the sleep promptly")
	}
}
