package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/api"
	"github.com/matheus3301/wpphub/internal/config"
	"github.com/matheus3301/wpphub/internal/health"
	"github.com/matheus3301/wpphub/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "wpphub-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.Health.Socket = filepath.Join(dir, "h.sock")
	cfg.Store.DSN = filepath.Join(dir, "wpphub.db")
	cfg.Log.Path = ""
	cfg.Log.Level = "error"
	return cfg, dir
}

func TestDaemonLifecycle(t *testing.T) {
	cfg, dir := testConfig(t)
	lockPath := filepath.Join(dir, "LOCK")

	var (
		srv *api.Server
		reg *session.Registry
	)
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{Config: cfg, LockPath: lockPath}),
		fx.Populate(&srv, &reg),
	)
	app.RequireStart()

	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file missing while running: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Post("http://"+srv.Addr()+"/v1/sessions/connect", "application/json", strings.NewReader(`{"user_id":"bad id"}`))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || body["error"] == "" {
		t.Errorf("invalid connect = %d %v", resp.StatusCode, body)
	}
	if n := len(reg.Snapshots()); n != 0 {
		t.Errorf("sessions after startup = %d, want 0", n)
	}

	conn, err := grpc.NewClient("unix://"+cfg.Health.Socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hr, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if hr.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon health = %s", hr.GetStatus())
	}
	if _, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.SessionService("u1")}); err == nil {
		t.Error("unknown session reported healthy")
	}

	app.RequireStop()

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file left after stop: %v", err)
	}
	if _, err := os.Stat(cfg.Health.Socket); !os.IsNotExist(err) {
		t.Errorf("health socket left after stop: %v", err)
	}
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	cfg, dir := testConfig(t)
	lockPath := filepath.Join(dir, "LOCK")

	first := fxtest.New(t, fx.NopLogger, Module(Params{Config: cfg, LockPath: lockPath}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{Config: cfg, LockPath: lockPath}))
	if err := second.Err(); err == nil {
		t.Fatal("second daemon constructed while the lock is held")
	}
}
