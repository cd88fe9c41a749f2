package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// fakeAgent implements Agent with a handler set, mirroring how concrete
// agents expose a dispatch table.
type fakeAgent struct {
	name      string
	contracts []capability.Contract
	handlers  map[string]bool
}

func (a *fakeAgent) Name() string                          { return a.name }
func (a *fakeAgent) Capabilities() []capability.Contract   { return a.contracts }
func (a *fakeAgent) Implements(capabilityName string) bool { return a.handlers[capabilityName] }

func (a *fakeAgent) Invoke(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	return provenance.Wrap(map[string]any{"from": a.name}, provenance.Meta{Source: a.name}), nil
}

func contract(name string, status provenance.Status, tags ...string) capability.Contract {
	return capability.Contract{Name: name, Status: status, Tags: tags}
}

func newFakeAgent(name string, contracts ...capability.Contract) *fakeAgent {
	handlers := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		handlers[c.Name] = true
	}
	return &fakeAgent{name: name, contracts: contracts, handlers: handlers}
}

func TestRegister_And_LookupByName(t *testing.T) {
	r := New(nil)

	a := newFakeAgent("metrics", contract("metrics.compute_twr", provenance.StatusReal))
	if err := r.Register(a); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	b, err := r.LookupByName("metrics.compute_twr")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if b.Agent.Name() != "metrics" {
		t.Errorf("wrong agent resolved: %s", b.Agent.Name())
	}
}

func TestLookupByName_NotFound(t *testing.T) {
	r := New(nil)

	_, err := r.LookupByName("metrics.compute_twr")
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("expected ErrCapabilityNotFound, got %v", err)
	}
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	r := New(nil)

	if err := r.Register(newFakeAgent("a", contract("metrics.compute_twr", provenance.StatusReal))); err != nil {
		t.Fatal(err)
	}
	err := r.Register(newFakeAgent("b", contract("metrics.compute_twr", provenance.StatusReal)))
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Errorf("expected ErrDuplicateCapability, got %v", err)
	}
}

func TestRegisterWithPriority_MultiBinding(t *testing.T) {
	r := New(nil)

	if err := r.RegisterWithPriority(newFakeAgent("secondary", contract("metrics.compute_twr", provenance.StatusReal)), 1); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterWithPriority(newFakeAgent("primary", contract("metrics.compute_twr", provenance.StatusReal)), 10); err != nil {
		t.Fatal(err)
	}

	b, err := r.LookupByName("metrics.compute_twr")
	if err != nil {
		t.Fatal(err)
	}
	if b.Agent.Name() != "primary" {
		t.Errorf("highest priority should resolve first, got %s", b.Agent.Name())
	}
}

func TestRegisterWithPriority_SameAgentTwiceRejected(t *testing.T) {
	r := New(nil)

	if err := r.RegisterWithPriority(newFakeAgent("metrics", contract("metrics.compute_twr", provenance.StatusReal)), 1); err != nil {
		t.Fatal(err)
	}
	// Same agent name binding the same capability again is always a mistake.
	if err := r.RegisterWithPriority(newFakeAgent("metrics", contract("metrics.compute_twr", provenance.StatusReal)), 2); !errors.Is(err, ErrDuplicateCapability) {
		t.Errorf("expected ErrDuplicateCapability, got %v", err)
	}
}

func TestRegister_InvalidContractRejected(t *testing.T) {
	r := New(nil)

	err := r.Register(newFakeAgent("bad", capability.Contract{Name: "notdotted", Status: provenance.StatusReal}))
	if err == nil {
		t.Fatal("invalid contract should not register")
	}
	if r.HasCapability("notdotted") {
		t.Error("invalid contract leaked into the index")
	}
}

func TestRegister_MissingHandlerRejected(t *testing.T) {
	r := New(nil)

	a := newFakeAgent("incomplete")
	a.contracts = []capability.Contract{contract("metrics.compute_twr", provenance.StatusReal)}
	// handler table deliberately left empty

	if err := r.Register(a); err == nil {
		t.Fatal("declared capability without a handler should not register")
	}
}

func TestRegister_BatchIsAtomic(t *testing.T) {
	r := New(nil)

	a := newFakeAgent("metrics",
		contract("metrics.compute_twr", provenance.StatusReal),
		capability.Contract{Name: "bad", Status: provenance.StatusReal}, // invalid name
	)
	if err := r.Register(a); err == nil {
		t.Fatal("batch with an invalid contract should fail")
	}
	if r.HasCapability("metrics.compute_twr") {
		t.Error("half-registered agent left valid contracts behind")
	}
}

func TestLookupByTag_PriorityOrdered(t *testing.T) {
	r := New(nil)

	if err := r.RegisterWithPriority(newFakeAgent("fallback", contract("dcf.simple", provenance.StatusReal, "can_calculate_dcf")), 1); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterWithPriority(newFakeAgent("preferred", contract("dcf.full", provenance.StatusReal, "can_calculate_dcf")), 5); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newFakeAgent("unrelated", contract("metrics.compute_twr", provenance.StatusReal))); err != nil {
		t.Fatal(err)
	}

	got := r.LookupByTag("can_calculate_dcf")
	if len(got) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(got))
	}
	if got[0].Agent.Name() != "preferred" || got[1].Agent.Name() != "fallback" {
		t.Errorf("wrong order: %s, %s", got[0].Agent.Name(), got[1].Agent.Name())
	}

	if empty := r.LookupByTag("no_such_tag"); len(empty) != 0 {
		t.Errorf("unknown tag should return empty slice, got %d", len(empty))
	}
}

func TestOrderForInvocation_StubsLast(t *testing.T) {
	bindings := []Binding{
		{Contract: contract("dcf.stub", provenance.StatusStub, "can_calculate_dcf"), Priority: 100},
		{Contract: contract("dcf.real", provenance.StatusReal, "can_calculate_dcf"), Priority: 1},
		{Contract: contract("dcf.partial", provenance.StatusPartial, "can_calculate_dcf"), Priority: 50},
	}

	ordered := OrderForInvocation(bindings)
	if ordered[0].Contract.Name != "dcf.real" || ordered[1].Contract.Name != "dcf.partial" {
		t.Errorf("non-stub bindings must come first: %v", names(ordered))
	}
	if ordered[2].Contract.Name != "dcf.stub" {
		t.Errorf("stub must be last even at top priority: %v", names(ordered))
	}
}

func names(bs []Binding) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Contract.Name
	}
	return out
}

func TestContracts_Snapshot(t *testing.T) {
	r := New(nil)

	if err := r.Register(newFakeAgent("metrics",
		contract("metrics.compute_twr", provenance.StatusReal),
		contract("metrics.compute_sharpe", provenance.StatusPartial),
	)); err != nil {
		t.Fatal(err)
	}

	got := r.Contracts()
	if len(got) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(got))
	}
	if got[0].Name != "metrics.compute_sharpe" || got[1].Name != "metrics.compute_twr" {
		t.Errorf("snapshot should be name-sorted: %s, %s", got[0].Name, got[1].Name)
	}
}

func TestHasAgent(t *testing.T) {
	r := New(nil)

	if err := r.Register(newFakeAgent("metrics", contract("metrics.compute_twr", provenance.StatusReal))); err != nil {
		t.Fatal(err)
	}
	if !r.HasAgent("metrics") {
		t.Error("registered agent not found")
	}
	if r.HasAgent("ghost") {
		t.Error("unknown agent reported present")
	}
}
