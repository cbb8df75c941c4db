package process

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

const unixListing = `  PID ARGS
    1 /sbin/init splash
  812 /usr/lib/systemd/systemd-journald
 4242 /opt/libreoffice/program/soffice.bin --accept=socket,host=127.0.0.1,port=2002,tcpNoDelay=1;urp;StarOffice.ServiceManager --headless -env:UserInstallation=file:///tmp/.officepool_a
 4243 /opt/libreoffice/program/soffice.bin --accept=socket,host=127.0.0.1,port=2003,tcpNoDelay=1;urp;StarOffice.ServiceManager --headless -env:UserInstallation=file:///tmp/.officepool_b

`

const windowsListing = "CommandLine                                                                ProcessId\r\n" +
	"C:\\Windows\\system32\\svchost.exe -k LocalService                          1020\r\n" +
	"\"C:\\Program Files\\LibreOffice\\program\\soffice.exe\" --accept=pipe,name=office1;urp;StarOffice.ServiceManager --headless  5120\r\n" +
	"\r\n"

func TestParseUnixListing(t *testing.T) {
	p, ok := PlatformFor("linux")
	if !ok {
		t.Fatal("linux platform missing")
	}

	got := p.Parse([]byte(unixListing), Query{Command: "soffice", Argument: "port=2003"})
	if got != 4243 {
		t.Fatalf("expected pid 4243, got %d", got)
	}
}

func TestParseWindowsListing(t *testing.T) {
	p, _ := PlatformFor("windows")

	got := p.Parse([]byte(windowsListing), Query{Command: "soffice", Argument: "pipe,name=office1"})
	if got != 5120 {
		t.Fatalf("expected pid 5120, got %d", got)
	}
}

func TestParseNoMatch(t *testing.T) {
	p, _ := PlatformFor("darwin")

	if got := p.Parse([]byte(unixListing), Query{Command: "soffice", Argument: "port=9999"}); got != PidNotFound {
		t.Fatalf("expected PidNotFound, got %d", got)
	}
	// Argument before command on the line does not count.
	if got := p.Parse([]byte(unixListing), Query{Command: "--headless", Argument: "soffice"}); got != PidNotFound {
		t.Fatalf("expected PidNotFound for out-of-order match, got %d", got)
	}
	if got := p.Parse(nil, Query{Command: "soffice"}); got != PidNotFound {
		t.Fatalf("expected PidNotFound for empty listing, got %d", got)
	}
}

func TestPidKnown(t *testing.T) {
	if PidNotFound.Known() || PidUnknown.Known() {
		t.Fatal("sentinels must not be known pids")
	}
	if !Pid(1).Known() {
		t.Fatal("pid 1 should be known")
	}
}

func TestCommandResolverRunsListing(t *testing.T) {
	p, _ := PlatformFor("linux")
	var calls [][]string
	r := NewCommandResolver(p,
		WithRunAs([]string{"sudo", "-u", "office"}),
		WithRunner(func(_ context.Context, argv []string) ([]byte, error) {
			calls = append(calls, argv)
			return []byte(unixListing), nil
		}),
	)

	pid, err := r.FindPid(context.Background(), Query{Command: "soffice", Argument: ".officepool_a"})
	if err != nil {
		t.Fatalf("FindPid failed: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", pid)
	}
	want := []string{"sudo", "-u", "office", "ps", "-e", "-o", "pid,args"}
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("unexpected command: %v", calls)
	}
}

func TestCommandResolverKillUsesCommandWithRunAs(t *testing.T) {
	p, _ := PlatformFor("linux")
	var calls [][]string
	r := NewCommandResolver(p,
		WithRunAs([]string{"sudo"}),
		WithRunner(func(_ context.Context, argv []string) ([]byte, error) {
			calls = append(calls, argv)
			return nil, nil
		}),
	)

	if err := r.Kill(nil, 4242); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	want := []string{"sudo", "kill", "-KILL", "4242"}
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("unexpected kill command: %v", calls)
	}
}

func TestWindowsKillCommand(t *testing.T) {
	p, _ := PlatformFor("windows")
	var calls [][]string
	r := NewCommandResolver(p, WithRunner(func(_ context.Context, argv []string) ([]byte, error) {
		calls = append(calls, argv)
		return nil, nil
	}))

	if err := r.Kill(nil, 77); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	want := []string{"taskkill", "/t", "/f", "/pid", "77"}
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("unexpected kill command: %v", calls)
	}
}

func TestCommandResolverListingError(t *testing.T) {
	p, _ := PlatformFor("linux")
	boom := errors.New("no ps")
	r := NewCommandResolver(p, WithRunner(func(context.Context, []string) ([]byte, error) {
		return nil, boom
	}))

	pid, err := r.FindPid(context.Background(), Query{Command: "soffice"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected listing error, got %v", err)
	}
	if pid != PidNotFound {
		t.Fatalf("expected PidNotFound on error, got %d", pid)
	}
}

func TestPureResolver(t *testing.T) {
	var r Resolver = PureResolver{}
	if r.CanFindPid() {
		t.Fatal("pure resolver must not claim to find pids")
	}
	pid, err := r.FindPid(context.Background(), Query{Command: "soffice", Argument: "x"})
	if err != nil || pid != PidUnknown {
		t.Fatalf("expected PidUnknown, got %d, %v", pid, err)
	}
	if err := r.Kill(nil, 123); err == nil {
		t.Fatal("expected error killing without a handle")
	}
}

func TestTerminateWithoutHandle(t *testing.T) {
	if err := terminateHandle(nil); !errors.Is(err, errNoHandle) {
		t.Fatalf("expected errNoHandle, got %v", err)
	}
}
