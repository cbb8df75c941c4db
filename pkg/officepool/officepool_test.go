package officepool

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sevir/officepool/internal/fakeoffice"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(fakeoffice.HelperEnv) != "1" {
		return
	}
	fakeoffice.Main()
}

func testConfig(t *testing.T, slots int) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoints = nil
	for i := 0; i < slots; i++ {
		port, err := fakeoffice.FreePort()
		if err != nil {
			t.Fatalf("no free port: %v", err)
		}
		cfg.Endpoints = append(cfg.Endpoints, SocketEndpoint("", port))
	}
	cfg.Executable = os.Args[0]
	cfg.ExtraArgs = fakeoffice.Args()
	cfg.Env = fakeoffice.Env(fakeoffice.ModeServe)
	cfg.WorkingDir = t.TempDir()
	cfg.TaskQueueTimeout = 20 * time.Second
	cfg.TaskExecutionTimeout = 5 * time.Second
	cfg.ProcessRetryInterval = 20 * time.Millisecond
	cfg.ProcessRetryTimeout = 10 * time.Second
	cfg.ProcessStopTimeout = 2 * time.Second
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no endpoints", func(c *Config) { c.Endpoints = nil }, "endpoints"},
		{"duplicate endpoints", func(c *Config) { c.Endpoints = append(c.Endpoints, c.Endpoints[0]) }, "endpoints[1]"},
		{"zero queue timeout", func(c *Config) { c.TaskQueueTimeout = 0 }, "task_queue_timeout"},
		{"negative execution timeout", func(c *Config) { c.TaskExecutionTimeout = -time.Second }, "task_execution_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 1)
			tt.mutate(&cfg)

			p, err := New(cfg)
			if p != nil {
				t.Fatal("expected no pool for an invalid config")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tt.field {
				t.Fatalf("expected ConfigError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestConfigIsCopied(t *testing.T) {
	cfg := testConfig(t, 1)
	p, err := New(cfg, WithPureResolver())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	want := cfg.Endpoints[0]
	cfg.Endpoints[0] = SocketEndpoint("", 1)
	if got := p.Config().Endpoints[0]; got != want {
		t.Fatalf("pool config changed with caller's slice: %v", got)
	}

	got := p.Config()
	got.Endpoints[0] = SocketEndpoint("", 1)
	if p.Config().Endpoints[0] != want {
		t.Fatal("Config() exposes the pool's own slice")
	}
}

func TestStartSubmitStop(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	sink := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	p, err := New(testConfig(t, 2), WithPureResolver(), WithEventSink(sink))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ping := TaskFunc(func(ctx context.Context, conn Conn) error {
		reply, err := fakeoffice.Ping(conn.NetConn(), "ping")
		if err != nil {
			return err
		}
		if reply != "pong" {
			return errors.New("unexpected reply " + reply)
		}
		return nil
	})

	if err := p.Submit(context.Background(), ping); !errors.Is(err, ErrPoolNotRunning) {
		t.Fatalf("expected ErrPoolNotRunning before Start, got %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Submit(context.Background(), ping)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	total := 0
	for _, info := range p.Slots() {
		total += info.TasksCompleted
	}
	if total != 6 {
		t.Fatalf("expected 6 completed tasks, got %d", total)
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPoolShutdown) {
		t.Fatalf("expected ErrPoolShutdown, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("event sink received nothing")
	}
}
