// Package fakeoffice stands in for an office process in tests. A test binary
// re-executes itself with HelperEnv set and calls Main from a
// TestHelperProcess function; the fake then listens on the endpoint from its
// --accept argument and answers a tiny line protocol:
//
//	ping        -> pong
//	sleep <ms>  -> done, after sleeping
//	hang        -> never answers
//	crash       -> exits with code 3
package fakeoffice

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// HelperEnv marks a test binary run as a fake office process.
	HelperEnv = "GO_WANT_HELPER_PROCESS"
	// ModeEnv selects a start-up behaviour, see the Mode constants.
	ModeEnv = "FAKE_OFFICE_MODE"
)

// Start-up behaviours.
const (
	// ModeServe listens and serves requests. This is the default.
	ModeServe = "serve"
	// ModeRestartOnce exits with code 81 the first time it runs with a given
	// profile directory, then serves.
	ModeRestartOnce = "restart-once"
	// ModeNoListen runs but never opens the endpoint.
	ModeNoListen = "no-listen"
	// ModeExit exits immediately with code 1.
	ModeExit = "exit"
)

const restartMarker = "restarted"

// Args returns the extra arguments that make a test binary run only
// TestHelperProcess. They go right after the executable.
func Args() []string {
	return []string{"-test.run=TestHelperProcess", "--"}
}

// Env returns the environment entries that activate the fake in mode.
func Env(mode string) []string {
	return []string{HelperEnv + "=1", ModeEnv + "=" + mode}
}

// Main runs the fake office process and never returns.
func Main() {
	accept, profile := parseArgs(os.Args)
	network, address, err := listenAddress(accept)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake office: %v\n", err)
		os.Exit(2)
	}

	switch os.Getenv(ModeEnv) {
	case ModeExit:
		os.Exit(1)
	case ModeNoListen:
		select {}
	case ModeRestartOnce:
		marker := filepath.Join(profile, restartMarker)
		if _, err := os.Stat(marker); err != nil {
			os.MkdirAll(profile, 0755)
			os.WriteFile(marker, []byte("1"), 0644)
			fmt.Println("fake office: profile initialised, restart requested")
			os.Exit(81)
		}
	}

	if network == "unix" {
		os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake office: listen %s: %v\n", address, err)
		os.Exit(2)
	}
	fmt.Printf("fake office: listening on %s %s\n", network, address)

	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(2)
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ping":
			fmt.Fprintln(conn, "pong")
		case "sleep":
			ms := 0
			if len(fields) > 1 {
				ms, _ = strconv.Atoi(fields[1])
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
			fmt.Fprintln(conn, "done")
		case "hang":
			select {}
		case "crash":
			fmt.Fprintln(os.Stderr, "fake office: crashing")
			os.Exit(3)
		default:
			fmt.Fprintln(conn, "error unknown command")
		}
	}
}

func parseArgs(args []string) (accept, profile string) {
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--accept="):
			accept = strings.TrimPrefix(arg, "--accept=")
		case strings.HasPrefix(arg, "-env:UserInstallation="):
			if u, err := url.Parse(strings.TrimPrefix(arg, "-env:UserInstallation=")); err == nil {
				profile = filepath.FromSlash(u.Path)
			}
		}
	}
	return accept, profile
}

// listenAddress turns "socket,host=H,port=P,...;urp;..." or
// "pipe,name=N;urp;..." into a net.Listen network and address.
func listenAddress(accept string) (string, string, error) {
	connect, _, _ := strings.Cut(accept, ";")
	parts := strings.Split(connect, ",")
	if len(parts) == 0 {
		return "", "", fmt.Errorf("empty accept string")
	}
	params := map[string]string{}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, "=")
		params[k] = v
	}
	switch parts[0] {
	case "socket":
		return "tcp", net.JoinHostPort(params["host"], params["port"]), nil
	case "pipe":
		name := fmt.Sprintf("OSL_PIPE_%d_%s", os.Getuid(), params["name"])
		return "unix", filepath.Join(os.TempDir(), name), nil
	}
	return "", "", fmt.Errorf("unsupported accept string %q", accept)
}

// FreePort returns a TCP port on 127.0.0.1 that was free a moment ago.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Ping sends cmd on conn and returns the reply line.
func Ping(conn net.Conn, cmd string) (string, error) {
	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
