package pattern

import (
	"reflect"
	"testing"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

func TestStep_IsRequired(t *testing.T) {
	if !(Step{}).IsRequired() {
		t.Error("steps must default to required")
	}
	f := false
	if (Step{Required: &f}).IsRequired() {
		t.Error("explicit optional ignored")
	}
}

func TestStep_OutputNames(t *testing.T) {
	s := Step{Name: "twr"}
	if got := s.OutputNames(); len(got) != 1 || got[0] != "twr" {
		t.Errorf("default outputs = %v", got)
	}
	s.Outputs = []string{"twr_result", "twr_meta"}
	want := []string{"twr", "twr_result", "twr_meta"}
	if got := s.OutputNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("declared outputs = %v, want %v", got, want)
	}
	s.Outputs = []string{"twr"}
	if got := s.OutputNames(); len(got) != 1 || got[0] != "twr" {
		t.Errorf("self-aliased outputs = %v", got)
	}
}

func TestExecContext_BindOutput(t *testing.T) {
	c := NewExecContext()
	if c.RequestID == "" {
		t.Fatal("request id not stamped")
	}

	env := provenance.Wrap("x", provenance.Meta{Source: "s"})
	c.BindOutput([]string{"a", "b"}, env)
	if len(c.StepOutputs) != 2 {
		t.Errorf("bound %d outputs, want 2", len(c.StepOutputs))
	}
	if len(c.Outputs()) != 2 {
		t.Errorf("Outputs() = %d envelopes", len(c.Outputs()))
	}
}

func TestRegistryAction(t *testing.T) {
	if !RegistryAction(ActionExecuteThroughRegistry) || !RegistryAction(ActionExecuteByCapability) {
		t.Error("registry actions misclassified")
	}
	if RegistryAction(ActionEvaluate) {
		t.Error("evaluate misclassified as registry action")
	}
	if !LegacyAgentAction("agent:metrics.get_twr") {
		t.Error("legacy prefix not detected")
	}
}

func TestNormalizeTrigger(t *testing.T) {
	if got := NormalizeTrigger("  What\tIs   My TWR "); got != "what is my twr" {
		t.Errorf("normalized = %q", got)
	}
	if NormalizeTrigger("Café") != NormalizeTrigger("Café") {
		t.Error("NFC forms not unified")
	}
}
