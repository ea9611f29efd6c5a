package hostops

import (
	"context"
	"strings"
	"testing"

	"github.com/risefleet/rise/internal/protocol"
	"github.com/risefleet/rise/internal/session"
)

type fakeCall struct {
	program string
	args    []string
	cat     session.Category
}

type fakeChannel struct {
	calls     []fakeCall
	responses []*protocol.Envelope
}

func (f *fakeChannel) HostID() string { return "h1" }

func (f *fakeChannel) Invoke(_ context.Context, program string, args []string, cat session.Category, stdin []byte) (*protocol.Envelope, error) {
	i := len(f.calls)
	f.calls = append(f.calls, fakeCall{program, args, cat})
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &protocol.Envelope{Status: "success", APIVersion: protocol.ClientAPIVersion}, nil
}

func TestValidateContainerID(t *testing.T) {
	valid := []string{
		"abc123",
		"web.front-1",
		"a",
		strings.Repeat("x", 128),
		"A_b.C-9",
	}
	for _, id := range valid {
		if err := ValidateContainerID(id); err != nil {
			t.Errorf("ValidateContainerID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("x", 129),
		"web front",
		"a;rm -rf /",
		"a|b",
		"a&b",
		"$(id)",
		"`id`",
		"a(b)",
		"имя",
	}
	for _, id := range invalid {
		err := ValidateContainerID(id)
		if !protocol.IsCode(err, protocol.CodeInvalidInput) {
			t.Errorf("ValidateContainerID(%q) = %v, want InvalidInput", id, err)
		}
	}
}

func TestContainerOpsInvocation(t *testing.T) {
	tests := []struct {
		name string
		op   func(context.Context, Runner, string) error
		flag string
	}{
		{"start", StartContainer, "--start"},
		{"stop", StopContainer, "--stop"},
		{"restart", RestartContainer, "--restart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			if err := tt.op(context.Background(), ch, "web-1"); err != nil {
				t.Fatal(err)
			}
			call := ch.calls[0]
			if call.program != session.ProgramDocker {
				t.Errorf("program = %q", call.program)
			}
			if len(call.args) != 2 || call.args[0] != tt.flag || call.args[1] != "web-1" {
				t.Errorf("args = %v", call.args)
			}
			if call.cat != session.Medium {
				t.Errorf("category = %v, want medium", call.cat)
			}
		})
	}
}

func TestContainerOpRejectsBadIDBeforeInvoke(t *testing.T) {
	ch := &fakeChannel{}
	err := StartContainer(context.Background(), ch, "x; reboot")
	if !protocol.IsCode(err, protocol.CodeInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
	if len(ch.calls) != 0 {
		t.Fatal("invalid id must not reach the remote")
	}
}

func TestListContainers(t *testing.T) {
	ch := &fakeChannel{responses: []*protocol.Envelope{{
		Status:     "success",
		APIVersion: protocol.ClientAPIVersion,
		Fields: map[string]interface{}{
			"containers": []interface{}{
				map[string]interface{}{"id": "abc", "name": "web", "image": "nginx:1.27", "status": "running"},
				map[string]interface{}{"id": "def", "name": "db", "image": "postgres:16", "status": "exited"},
			},
		},
	}}}

	got, err := ListContainers(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d containers", len(got))
	}
	if got[0].Name != "web" || got[1].Status != "exited" {
		t.Errorf("containers = %+v", got)
	}
	if ch.calls[0].cat != session.Quick {
		t.Errorf("category = %v, want quick", ch.calls[0].cat)
	}
}

func TestHealthSnapshot(t *testing.T) {
	ch := &fakeChannel{responses: []*protocol.Envelope{{
		Status:     "success",
		APIVersion: protocol.ClientAPIVersion,
		Fields: map[string]interface{}{
			"status":           "success",
			"api_version":      "1.4",
			"sudoers_file":     "pass",
			"ssh_dropin_clean": "pass",
			"nftables_include": "fail",
			"scripts_present":  "pass",
		},
	}}}

	checks, err := Health(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]bool{}
	for _, c := range checks {
		byName[c.Name] = c.Passed
	}
	if len(byName) != 4 {
		t.Fatalf("got %d checks, want 4: %v", len(byName), byName)
	}
	if !byName["sudoers_file"] || byName["nftables_include"] {
		t.Errorf("checks = %v", byName)
	}
	if ch.calls[0].program != session.ProgramHealth || len(ch.calls[0].args) != 0 {
		t.Errorf("invocation = %+v", ch.calls[0])
	}
}

func TestUpdateCategories(t *testing.T) {
	ch := &fakeChannel{responses: []*protocol.Envelope{{
		Status:     "success",
		APIVersion: protocol.ClientAPIVersion,
		Fields:     map[string]interface{}{"pending": float64(12), "security": float64(3)},
	}}}

	rep, err := CheckUpdates(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pending != 12 || rep.Security != 3 {
		t.Errorf("report = %+v", rep)
	}
	if ch.calls[0].cat != session.UpdateCheck {
		t.Errorf("check category = %v", ch.calls[0].cat)
	}

	if _, err := Upgrade(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if ch.calls[1].cat != session.Upgrade {
		t.Errorf("upgrade category = %v", ch.calls[1].cat)
	}
}

func TestRemoteErrorSurfaced(t *testing.T) {
	ch := &fakeChannel{responses: []*protocol.Envelope{{
		Status:     "error",
		APIVersion: protocol.ClientAPIVersion,
		Code:       "ERR_DEPENDENCY",
		Message:    "docker daemon not running",
	}}}
	err := StopContainer(context.Background(), ch, "abc")
	if !protocol.IsCode(err, protocol.CodeDependency) {
		t.Fatalf("err = %v, want Dependency", err)
	}
}
