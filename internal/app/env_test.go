package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PARLEY_TEST_STRING", "  hello  ")
	t.Setenv("PARLEY_TEST_BOOL", "true")
	t.Setenv("PARLEY_TEST_INT", "42")
	t.Setenv("PARLEY_TEST_INT_BAD", "-3")
	t.Setenv("PARLEY_TEST_DURATION", "90s")
	t.Setenv("PARLEY_TEST_CSV", "a, b ,,c")

	if got := EnvString("PARLEY_TEST_STRING", "def"); got != "hello" {
		t.Fatalf("EnvString=%q", got)
	}
	if got := EnvString("PARLEY_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default=%q", got)
	}
	if !EnvBool("PARLEY_TEST_BOOL", false) {
		t.Fatalf("EnvBool must parse true")
	}
	if got := EnvInt("PARLEY_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvInt("PARLEY_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("EnvInt must reject non-positive values, got %d", got)
	}
	if got := EnvDuration("PARLEY_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvCSV("PARLEY_TEST_CSV", ""); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
	if got := EnvCSV("PARLEY_TEST_MISSING", "x,y"); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("EnvCSV default=%v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr == "" {
		t.Fatalf("HTTPAddr default missing")
	}
	if cfg.MigrationsDir == "" {
		t.Fatalf("MigrationsDir default missing")
	}
	if cfg.RedisPrefix == "" {
		t.Fatalf("RedisPrefix default missing")
	}
}
