package execwrap

import (
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
)

func TestTask_SuccessfulCommand(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("echo")
	task := New(endpoint, "echo", []string{"hello"}, "", nil, nil)

	select {
	case r := <-task.Results:
		if !r.OK || r.ExitCode != 0 {
			t.Fatalf("result = %+v, want ok exitcode 0", r)
		}
		if r.Out != "hello\n" {
			t.Errorf("stdout = %q, want %q", r.Out, "hello\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received a result")
	}
}

func TestTask_NonZeroExit(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("false")
	task := New(endpoint, "false", nil, "", nil, nil)

	select {
	case r := <-task.Results:
		if r.OK || r.ExitCode == 0 {
			t.Fatalf("result = %+v, want non-zero non-ok exit", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received a result")
	}
}

func TestTask_TerminateKillsProcessGroup(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("sleep")
	task := New(endpoint, "sleep", []string{"30"}, "", nil, nil)

	task.Terminate()

	select {
	case r := <-task.Results:
		if r.OK {
			t.Fatalf("terminated task result = %+v, want not-ok", r)
		}
		if !r.SigTerm && !r.SigKill {
			t.Errorf("result = %+v, want SigTerm or SigKill set", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminate should have ended the sleep well before its own 30s timeout")
	}
}
