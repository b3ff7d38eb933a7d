package container

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/ansuz/internal/testutil"
)

type lifecycleProbe struct {
	name    string
	log     *[]string
	initErr error
	dispErr error
}

func (p *lifecycleProbe) Init(ctx context.Context) error {
	*p.log = append(*p.log, "init:"+p.name)
	return p.initErr
}

func (p *lifecycleProbe) Dispose() error {
	*p.log = append(*p.log, "dispose:"+p.name)
	return p.dispErr
}

func TestInitOrderFollowsLayers(t *testing.T) {
	c := New(testutil.TestLogger())
	var log []string

	// Registered out of layer order on purpose.
	c.RegisterInstance("ui-1", LayerUI, &lifecycleProbe{name: "ui-1", log: &log})
	c.RegisterInstance("data-1", LayerData, &lifecycleProbe{name: "data-1", log: &log})
	c.RegisterInstance("core-2", LayerCore, &lifecycleProbe{name: "core-2", log: &log})
	c.RegisterInstance("core-1", LayerCore, &lifecycleProbe{name: "core-1", log: &log})

	if err := c.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"init:data-1", "init:core-2", "init:core-1", "init:ui-1"}
	if len(log) != len(want) {
		t.Fatalf("log = %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestDisposeReverseOrder(t *testing.T) {
	c := New(testutil.TestLogger())
	var log []string
	c.RegisterInstance("data", LayerData, &lifecycleProbe{name: "data", log: &log})
	c.RegisterInstance("core", LayerCore, &lifecycleProbe{name: "core", log: &log, dispErr: errors.New("flaky shutdown")})
	c.RegisterInstance("ui", LayerUI, &lifecycleProbe{name: "ui", log: &log})
	if err := c.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	log = log[:0]
	c.DisposeAll()
	want := []string{"dispose:ui", "dispose:core", "dispose:data"}
	if len(log) != len(want) {
		t.Fatalf("log = %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestDisposerErrorDoesNotBlockOthers(t *testing.T) {
	// Covered in TestDisposeReverseOrder: core's Dispose fails and data is
	// still disposed. A panicking disposer must be swallowed too.
	c := New(testutil.TestLogger())
	var log []string
	c.RegisterInstance("boom", LayerCore, panickyDisposer{})
	c.RegisterInstance("data", LayerData, &lifecycleProbe{name: "data", log: &log})
	if err := c.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.DisposeAll()
	if len(log) != 1 || log[0] != "dispose:data" {
		t.Errorf("log = %v, want data disposed despite panic", log)
	}
}

type panickyDisposer struct{}

func (panickyDisposer) Dispose() error { panic("shutdown panic") }

func TestFactoriesResolveLowerLayers(t *testing.T) {
	c := New(testutil.TestLogger())
	c.RegisterFactory("dep", LayerData, func(*Container) (any, error) {
		return "dependency", nil
	})
	c.RegisterFactory("user", LayerCore, func(c *Container) (any, error) {
		v, err := c.Resolve("dep")
		if err != nil {
			return nil, err
		}
		return "built with " + v.(string), nil
	})
	if err := c.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	v, err := c.Resolve("user")
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "built with dependency" {
		t.Errorf("resolved = %v", v)
	}
}

func TestResolveBeforeBuildFails(t *testing.T) {
	c := New(testutil.TestLogger())
	c.RegisterFactory("svc", LayerData, func(*Container) (any, error) { return 1, nil })
	if _, err := c.Resolve("svc"); err == nil {
		t.Error("factory service must not resolve before InitializeAll")
	}
	if _, err := c.Resolve("ghost"); err == nil {
		t.Error("unknown token must not resolve")
	}
}

func TestDuplicateTokenPanics(t *testing.T) {
	c := New(testutil.TestLogger())
	c.RegisterInstance("dup", LayerData, 1)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate token")
		}
	}()
	c.RegisterInstance("dup", LayerCore, 2)
}

func TestInitErrorAborts(t *testing.T) {
	c := New(testutil.TestLogger())
	var log []string
	c.RegisterInstance("bad", LayerData, &lifecycleProbe{name: "bad", log: &log, initErr: errors.New("cannot start")})
	c.RegisterInstance("next", LayerCore, &lifecycleProbe{name: "next", log: &log})
	err := c.InitializeAll(context.Background())
	if err == nil {
		t.Fatal("expected init error")
	}
	for _, e := range log {
		if e == "init:next" {
			t.Error("later service initialized after failure")
		}
	}
}

func TestContainerUnusableAfterDispose(t *testing.T) {
	c := New(testutil.TestLogger())
	c.RegisterInstance("svc", LayerData, 1)
	if err := c.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.DisposeAll()
	if _, err := c.Resolve("svc"); err == nil {
		t.Error("resolve after dispose must fail")
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic registering after dispose")
		}
	}()
	c.RegisterInstance("late", LayerData, 2)
}
