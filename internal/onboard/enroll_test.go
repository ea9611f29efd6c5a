package onboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/risefleet/rise/internal/protocol"
)

func TestEnrollmentRollsCodes(t *testing.T) {
	old := otpRefresh
	otpRefresh = 20 * time.Millisecond
	defer func() { otpRefresh = old }()

	rig := newRig(t)
	n := 0
	rig.ch.handle = func(program string, args []string) (*protocol.Envelope, error) {
		switch args[0] {
		case "--generate-otp":
			if len(args) != 2 || args[1] != "30" {
				t.Errorf("generate args = %v", args)
			}
			n++
			return success(map[string]interface{}{"code": fmt.Sprintf("%06d", n)}), nil
		case "--cancel-otp":
			return success(nil), nil
		}
		t.Errorf("unexpected call %s %v", program, args)
		return success(nil), nil
	}

	e, err := rig.coord.StartEnrollment(context.Background(), rig.ch)
	if err != nil {
		t.Fatal(err)
	}

	first := <-e.Codes
	if first != "000001" {
		t.Fatalf("first code = %q", first)
	}
	select {
	case second := <-e.Codes:
		if second != "000002" {
			t.Fatalf("second code = %q", second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("code never rolled")
	}

	e.Stop()
	flags := rig.ch.flags()
	if flags[len(flags)-1] != "--cancel-otp" {
		t.Fatalf("no cancel on stop: %v", flags)
	}
}

func TestEnrollmentStopClosesCodeStream(t *testing.T) {
	old := otpRefresh
	otpRefresh = time.Hour
	defer func() { otpRefresh = old }()

	rig := newRig(t)
	rig.ch.handle = func(_ string, args []string) (*protocol.Envelope, error) {
		return success(map[string]interface{}{"code": "123456"}), nil
	}

	e, err := rig.coord.StartEnrollment(context.Background(), rig.ch)
	if err != nil {
		t.Fatal(err)
	}
	<-e.Codes
	e.Stop()

	if _, open := <-e.Codes; open {
		t.Fatal("code stream still open after stop")
	}
}

func TestEnrollmentRequiresCode(t *testing.T) {
	rig := newRig(t)
	rig.ch.handle = func(_ string, _ []string) (*protocol.Envelope, error) {
		return success(nil), nil
	}
	_, err := rig.coord.StartEnrollment(context.Background(), rig.ch)
	if !protocol.IsCode(err, protocol.CodeProtocol) {
		t.Fatalf("err = %v, want Protocol", err)
	}
}

func TestEnrollWithCodeSkipsProbe(t *testing.T) {
	rig := newRig(t)
	rig.ch.handle = func(program string, args []string) (*protocol.Envelope, error) {
		if args[0] != "--add-device" {
			t.Errorf("restricted session ran %s %v", program, args)
		}
		return success(map[string]interface{}{"alreadyRegistered": false}), nil
	}

	req := baseRequest()
	req.Password = "482913"
	res, err := rig.coord.EnrollWithCode(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Branch != BranchAddDevice {
		t.Fatalf("branch = %s", res.Branch)
	}
	if rig.dialed[0].Password != "482913" {
		t.Errorf("dial password = %q", rig.dialed[0].Password)
	}
	if len(rig.store.Hosts()) != 1 {
		t.Fatal("enrollment did not persist the entry")
	}
}

func TestEnrollWithCodeExpired(t *testing.T) {
	rig := newRig(t)
	rig.ch.handle = func(_ string, _ []string) (*protocol.Envelope, error) {
		return remoteError("ERR_OTP_EXPIRED", "code expired"), nil
	}
	_, err := rig.coord.EnrollWithCode(context.Background(), baseRequest())
	if !protocol.IsCode(err, protocol.CodeOtpExpired) {
		t.Fatalf("err = %v, want OtpExpired", err)
	}
	if len(rig.store.Hosts()) != 0 {
		t.Fatal("expired code persisted an entry")
	}
}

func TestListAndRemoveDevices(t *testing.T) {
	rig := newRig(t)
	rig.ch.handle = func(_ string, args []string) (*protocol.Envelope, error) {
		switch args[0] {
		case "--list-devices":
			return success(map[string]interface{}{
				"devices": []interface{}{
					map[string]interface{}{"name": "laptop", "fingerprint": "SHA256:abc"},
					map[string]interface{}{"name": "desk", "fingerprint": "SHA256:def"},
				},
			}), nil
		case "--remove-device":
			if args[1] != "SHA256:def" {
				t.Errorf("remove args = %v", args)
			}
			return success(nil), nil
		}
		return success(nil), nil
	}

	devices, err := rig.coord.ListDevices(context.Background(), rig.ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].Name != "laptop" {
		t.Fatalf("devices = %+v", devices)
	}

	if err := rig.coord.RemoveDevice(context.Background(), rig.ch, "SHA256:def"); err != nil {
		t.Fatal(err)
	}
	if err := rig.coord.RemoveDevice(context.Background(), rig.ch, ""); !protocol.IsCode(err, protocol.CodeInvalidInput) {
		t.Fatalf("empty fingerprint err = %v", err)
	}
}
