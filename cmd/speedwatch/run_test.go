package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoanBrand/speedwatch/internal/config"
	"github.com/RoanBrand/speedwatch/internal/sim"
)

func TestNewSource(t *testing.T) {
	conf := config.Default()
	defer func() { runFlags.simulate, runFlags.input = false, "" }()

	if src, _, err := newSource(conf); err != nil || src != nil {
		t.Fatal("source without flags:", src, err)
	}

	runFlags.simulate = true
	src, _, err := newSource(conf)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := src.(*sim.Simulator)
	if !ok || len(s.Route) != len(conf.Simulation.Route) || s.Vehicle.MaxSpeed != sim.DefaultMaxSpeed {
		t.Fatalf("%#v", src)
	}

	path := filepath.Join(t.TempDir(), "speeds.txt")
	if err := os.WriteFile(path, []byte("85\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runFlags.input = path
	if _, _, err := newSource(conf); err == nil {
		t.Fatal("--simulate with --input accepted")
	}

	runFlags.simulate = false
	src, closer, err := newSource(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if r, ok := src.(*sim.Replay); !ok || r.Vehicle == nil || r.Vehicle.MaxSpeed != sim.DefaultMaxSpeed {
		t.Fatalf("%#v", src)
	}

	runFlags.input = filepath.Join(t.TempDir(), "missing.txt")
	if _, _, err := newSource(conf); err == nil {
		t.Fatal("missing input accepted")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if fileExists(path) {
		t.Fatal("missing file exists")
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !fileExists(path) || fileExists(dir) {
		t.Fatal("wrong result")
	}
}
