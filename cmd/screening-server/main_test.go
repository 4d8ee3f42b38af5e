package main

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/screening"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"tenant", "create"},
		{"refresh"},
		{"cleanup"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("expected command %v to exist, got %v (%v)", path, cmd, err)
		}
	}
}

func parsedRefresh(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := refreshCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func TestSelectorFromFlags(t *testing.T) {
	pid := uuid.New()
	tid := uuid.New()

	tests := []struct {
		name     string
		args     []string
		wantKind screening.SelectorKind
		wantErr  string
	}{
		{"patients", []string{"--patient", pid.String(), "--patient", uuid.NewString()}, screening.SelectIDs, ""},
		{"search", []string{"--search", "smith"}, screening.SelectSearch, ""},
		{"type", []string{"--type", tid.String()}, screening.SelectScreeningType, ""},
		{"document", []string{"--document", uuid.NewString()}, screening.SelectDocumentEvent, ""},
		{"all", []string{"--all"}, screening.SelectAll, ""},
		{"none", nil, "", "is required"},
		{"two selectors", []string{"--all", "--search", "x"}, "", "only one"},
		{"bad patient id", []string{"--patient", "nope"}, "", "invalid patient id"},
		{"bad type id", []string{"--type", "nope"}, "", "invalid screening type id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := selectorFromFlags(parsedRefresh(t, tt.args...))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sel.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, sel.Kind)
			}
		})
	}
}

func TestSelectorFromFlags_PatientIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	sel, err := selectorFromFlags(parsedRefresh(t, "--patient", a.String()+","+b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sel.PatientIDs) != 2 || sel.PatientIDs[0] != a || sel.PatientIDs[1] != b {
		t.Errorf("expected [%s %s], got %v", a, b, sel.PatientIDs)
	}
}

func TestBatchOptionsFromFlags(t *testing.T) {
	opts := batchOptionsFromFlags(parsedRefresh(t,
		"--all", "--batch-size", "10", "--timeout", "2s", "--budget", "1m", "--workers", "4"))
	want := screening.BatchOptions{BatchSize: 10, PatientTimeout: 2 * time.Second, Budget: time.Minute, Workers: 4}
	if opts != want {
		t.Errorf("expected %+v, got %+v", want, opts)
	}

	if zero := batchOptionsFromFlags(parsedRefresh(t, "--all")); zero != (screening.BatchOptions{}) {
		t.Errorf("expected zero options to defer to config, got %+v", zero)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{
		DueSoonDays:         14,
		UseLastAppointment:  true,
		CutoffLabsMonths:    12,
		CutoffImagingMonths: 24,
	}
	s := settingsFromConfig(cfg)
	if s.DueSoonDays != 14 || !s.UseLastAppointment {
		t.Errorf("unexpected settings %+v", s)
	}
	if s.CutoffMonths[screening.CategoryLabs] != 12 || s.CutoffMonths[screening.CategoryImaging] != 24 {
		t.Errorf("unexpected cutoffs %v", s.CutoffMonths)
	}
	if _, ok := s.CutoffMonths[screening.CategoryGeneral]; ok {
		t.Error("unset cutoffs must stay absent")
	}
}

func TestBatchOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{BatchSize: 30, PatientTimeout: time.Second, BatchBudget: time.Minute, RefreshWorkers: 2}
	got := batchOptionsFromConfig(cfg)
	if got.BatchSize != 30 || got.PatientTimeout != time.Second || got.Budget != time.Minute || got.Workers != 2 {
		t.Errorf("unexpected options %+v", got)
	}
}

func TestNewEcho_Routes(t *testing.T) {
	cfg := &config.Config{Env: "development", DefaultTenant: "default", CORSOrigins: []string{"*"}}
	e := newEcho(cfg, nil, nil, newLogger("production"))

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, route := range []string{
		"GET /health",
		"GET /health/db",
		"POST /api/v1/screenings/refresh",
		"GET /api/v1/patients/:id/screenings",
		"DELETE /api/v1/documents/:id",
		"POST /api/v1/screening-maintenance/cleanup",
	} {
		if !registered[route] {
			t.Errorf("expected route %s to be registered", route)
		}
	}
}

func TestPoolConfig(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://localhost/screening", DBMaxConns: 12, DBMinConns: 3}
	pc := poolConfig(cfg)
	if pc.URL != cfg.DatabaseURL || pc.MaxConns != 12 || pc.MinConns != 3 {
		t.Errorf("unexpected pool config %+v", pc)
	}
}
