package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charlie0129/powerwatch/pkg/config"
)

func TestAlertOptionsFromConfig(t *testing.T) {
	local := true
	threshold := config.Duration(30 * time.Second)
	conf := config.NewFileFromConfig(&config.RawFileConfig{
		LocalDebugging:      &local,
		ClockDriftThreshold: &threshold,
	}, "")

	opts := alertOptions(conf)
	if err := opts.Validate(); err != nil {
		t.Fatalf("options do not validate: %v", err)
	}
	if opts.ClockDriftThreshold != 30*time.Second {
		t.Errorf("threshold = %s", opts.ClockDriftThreshold)
	}
	// Local debugging uses the fast heartbeat.
	if opts.HeartbeatInterval != time.Minute {
		t.Errorf("heartbeat = %s", opts.HeartbeatInterval)
	}
	if opts.ReminderInterval != 10*time.Minute || !opts.DumpDiagnostics {
		t.Errorf("opts = %+v", opts)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "pw")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "d.sock")

	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}
	l, err := listen(sock)
	if err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	if _, err := listen(sock); err == nil {
		t.Fatal("second listen succeeded while the first daemon is alive")
	}
	if c, err := net.Dial("unix", sock); err != nil {
		t.Fatalf("first listener is gone: %v", err)
	} else {
		_ = c.Close()
	}
}
